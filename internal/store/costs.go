package store

import (
	"context"
	"fmt"
)

// AppendCostSample records token usage for one served request.
func (s *SQLiteStore) AppendCostSample(ctx context.Context, sample *CostSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_samples (provider, request_id, model, input_tokens, output_tokens, cost_usd, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sample.Provider, nullString(sample.RequestID), sample.Model,
		sample.InputTokens, sample.OutputTokens, sample.CostUSD, toMillis(sample.At))
	if err != nil {
		return fmt.Errorf("store: append cost sample: %w", err)
	}
	return nil
}

// CostSummary aggregates all cost samples.
func (s *SQLiteStore) CostSummary(ctx context.Context) (*CostTotals, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM cost_samples`)

	var t CostTotals
	if err := row.Scan(&t.Requests, &t.InputTokens, &t.OutputTokens, &t.CostUSD); err != nil {
		return nil, fmt.Errorf("store: cost summary: %w", err)
	}
	return &t, nil
}

// CostByProvider aggregates cost samples per provider, most expensive first.
func (s *SQLiteStore) CostByProvider(ctx context.Context) ([]ProviderCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM cost_samples GROUP BY provider ORDER BY SUM(cost_usd) DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: cost by provider: %w", err)
	}
	defer rows.Close()

	var out []ProviderCost
	for rows.Next() {
		var c ProviderCost
		if err := rows.Scan(&c.Provider, &c.Requests, &c.InputTokens, &c.OutputTokens, &c.CostUSD); err != nil {
			return nil, fmt.Errorf("store: cost by provider: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CostByDay aggregates cost samples per UTC day, newest first.
func (s *SQLiteStore) CostByDay(ctx context.Context, days int) ([]DailyCost, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', at / 1000, 'unixepoch') AS day,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM cost_samples GROUP BY day ORDER BY day DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("store: cost by day: %w", err)
	}
	defer rows.Close()

	var out []DailyCost
	for rows.Next() {
		var c DailyCost
		if err := rows.Scan(&c.Day, &c.Requests, &c.InputTokens, &c.OutputTokens, &c.CostUSD); err != nil {
			return nil, fmt.Errorf("store: cost by day: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
