// Package costs implements a non-blocking, batched cost sample recorder.
//
// Samples are written to an internal buffered channel and flushed to the
// state store in batches by a background goroutine — recording a cost never
// blocks a worker. If the channel fills up, new samples are dropped and
// counted in Dropped.
package costs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccbridge/gateway/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Appender is the slice of the state store the recorder writes to.
type Appender interface {
	AppendCostSample(ctx context.Context, sample *store.CostSample) error
}

// Recorder batches cost samples into the store off the hot path.
type Recorder struct {
	ch        chan store.CostSample
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	appender Appender
	baseCtx  context.Context
	log      *slog.Logger
}

// New creates a Recorder and starts its flush goroutine.
func New(ctx context.Context, appender Appender, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		ch:       make(chan store.CostSample, channelBuffer),
		done:     make(chan struct{}),
		appender: appender,
		baseCtx:  ctx,
		log:      log.With(slog.String("component", "costs")),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues a sample. Never blocks; drops when the buffer is full.
func (r *Recorder) Record(sample store.CostSample) {
	if sample.At.IsZero() {
		sample.At = time.Now().UTC()
	}
	select {
	case r.ch <- sample:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns the number of samples discarded due to backpressure.
func (r *Recorder) Dropped() int64 { return atomic.LoadInt64(&r.dropped) }

// Close flushes pending samples and stops the goroutine.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.CostSample, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			if err := r.appender.AppendCostSample(r.baseCtx, &batch[i]); err != nil {
				r.log.Error("cost sample write failed", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case sample := <-r.ch:
			batch = append(batch, sample)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case sample := <-r.ch:
					batch = append(batch, sample)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
