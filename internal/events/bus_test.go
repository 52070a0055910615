package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case payload, ok := <-sub.Out():
		if !ok {
			t.Fatal("stream closed")
		}
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBus(8, nil)
	sub := b.Subscribe([]Channel{ChannelRequests})
	defer b.Unsubscribe(sub)

	e := New(ChannelRequests, TypeRequestSubmitted)
	e.RequestID = "r1"
	b.Publish(e)

	got := recv(t, sub)
	if got.Type != TypeRequestSubmitted || got.RequestID != "r1" {
		t.Errorf("event = %+v", got)
	}
}

func TestChannelFiltering(t *testing.T) {
	b := NewBus(8, nil)
	reqSub := b.Subscribe([]Channel{ChannelRequests})
	provSub := b.Subscribe([]Channel{ChannelProviders})
	defer b.Unsubscribe(reqSub)
	defer b.Unsubscribe(provSub)

	b.Publish(New(ChannelProviders, TypeProviderHealth))

	if got := recv(t, provSub); got.Type != TypeProviderHealth {
		t.Errorf("providers subscriber got %+v", got)
	}
	select {
	case <-reqSub.Out():
		t.Error("requests subscriber must not receive provider events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownChannelIgnored(t *testing.T) {
	b := NewBus(8, nil)
	sub := b.Subscribe([]Channel{"bogus", ChannelCLI})
	defer b.Unsubscribe(sub)

	b.Publish(New(ChannelCLI, TypeCLIExecuting))
	if got := recv(t, sub); got.Type != TypeCLIExecuting {
		t.Errorf("got %+v", got)
	}
}

// TestPerChannelFIFO verifies publication order is delivery order.
func TestPerChannelFIFO(t *testing.T) {
	b := NewBus(64, nil)
	sub := b.Subscribe([]Channel{ChannelRequests})
	defer b.Unsubscribe(sub)

	for i := 0; i < 20; i++ {
		e := New(ChannelRequests, TypeRequestProcessing)
		e.RequestID = fmt.Sprintf("r%02d", i)
		b.Publish(e)
	}
	for i := 0; i < 20; i++ {
		got := recv(t, sub)
		if want := fmt.Sprintf("r%02d", i); got.RequestID != want {
			t.Fatalf("event %d = %s, want %s", i, got.RequestID, want)
		}
	}
}

// TestSlowConsumerDisconnected verifies the overflow policy: the slow client
// is dropped, the publisher never blocks, and other subscribers are unharmed.
func TestSlowConsumerDisconnected(t *testing.T) {
	b := NewBus(2, nil)
	slow := b.Subscribe([]Channel{ChannelRequests})
	healthy := b.Subscribe([]Channel{ChannelRequests})
	defer b.Unsubscribe(healthy)

	// Fill the slow subscriber's buffer without draining it; the healthy
	// subscriber keeps up.
	for i := 0; i < 3; i++ {
		b.Publish(New(ChannelRequests, TypeRequestSubmitted))
		recv(t, healthy)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	if !slow.SlowConsumer() {
		t.Error("disconnect reason must be slow_consumer")
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("subscribers = %d, want 1", b.SubscriberCount())
	}

	// The healthy subscriber still receives post-overflow events.
	b.Publish(New(ChannelRequests, TypeRequestCompleted))
	if got := recv(t, healthy); got.Type != TypeRequestCompleted {
		t.Errorf("last event = %s", got.Type)
	}
}

func TestCloseDetachesAll(t *testing.T) {
	b := NewBus(8, nil)
	sub := b.Subscribe([]Channel{ChannelRequests})

	b.Close()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Close must detach subscribers")
	}
	if b.SubscriberCount() != 0 {
		t.Error("subscriber count must be zero after Close")
	}
}
