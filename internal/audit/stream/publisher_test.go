package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"rcm-audit/internal/audit"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	produce error // delivered to the promise
	pingErr error
	closed  bool
}

func (f *fakeProducer) TryProduce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	err := f.produce
	f.mu.Unlock()
	promise(r, err)
}

func (f *fakeProducer) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeProducer) setPing(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeProducer) sent() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record{}, f.records...)
}

func testPublisher(fake *fakeProducer) *Publisher {
	cfg := Config{Topic: "audit-events", Timeout: time.Second, ProbeInterval: 10 * time.Millisecond}
	return newPublisher(fake, cfg, slog.New(slog.DiscardHandler), nil)
}

func sampleEvent(id string) audit.Event {
	return audit.Event{
		AuditID:   id,
		EventID:   "evt_" + id,
		EventType: audit.EventClaimSubmitted,
		Actor:     audit.Actor{UserID: "u-1", Username: "dr.salem"},
		Action:    audit.ActionCreate,
		Outcome:   audit.OutcomeSuccess,
		Timestamp: time.Now().UTC(),
	}
}

func TestPublish(t *testing.T) {
	t.Run("keys records by audit id", func(t *testing.T) {
		fake := &fakeProducer{}
		p := testPublisher(fake)
		p.setConnected(true)

		p.Publish(sampleEvent("audit_1"))

		records := fake.sent()
		require.Len(t, records, 1)
		assert.Equal(t, "audit-events", records[0].Topic)
		assert.Equal(t, []byte("audit_1"), records[0].Key)
	})

	t.Run("drops events while disconnected", func(t *testing.T) {
		fake := &fakeProducer{}
		p := testPublisher(fake)
		p.setConnected(false)

		p.Publish(sampleEvent("audit_2"))

		assert.Empty(t, fake.sent())
	})

	t.Run("delivery failure flips the connected flag", func(t *testing.T) {
		fake := &fakeProducer{produce: errors.New("broker away")}
		p := testPublisher(fake)
		p.setConnected(true)

		p.Publish(sampleEvent("audit_3"))

		assert.False(t, p.Connected())
	})

	t.Run("never returns an error to the caller", func(t *testing.T) {
		fake := &fakeProducer{produce: errors.New("broker away")}
		p := testPublisher(fake)
		p.setConnected(true)

		// Publish has no error return; the assertion is the signature itself
		// plus not panicking on a failing producer.
		p.Publish(sampleEvent("audit_4"))
		p.Publish(sampleEvent("audit_5"))
	})
}

func TestRunProbesConnectivity(t *testing.T) {
	fake := &fakeProducer{pingErr: errors.New("unreachable")}
	p := testPublisher(fake)
	p.setConnected(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !p.Connected() }, time.Second, 5*time.Millisecond)

	fake.setPing(nil)
	assert.Eventually(t, func() bool { return p.Connected() }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestNilPublisherIsDisabledStream(t *testing.T) {
	var p *Publisher
	assert.False(t, p.Connected())
	p.Close()
}
