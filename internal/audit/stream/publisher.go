// Package stream fans accepted events out to a Kafka topic for real-time
// consumers. Delivery is best-effort and at-most-once: the ledger store is
// the record of truth, so publish failures are logged and swallowed, never
// surfaced to the ingestion caller.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/metrics"
)

// producer abstracts the kgo client so unit tests can swap in a fake.
type producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Ping(ctx context.Context) error
	Close()
}

// Config tunes the publisher.
type Config struct {
	Brokers []string
	Topic   string
	// Timeout bounds each delivery attempt so a stalled broker cannot hold
	// buffered records indefinitely.
	Timeout time.Duration
	// ProbeInterval is how often broker connectivity is re-checked.
	ProbeInterval time.Duration
}

// Publisher sends events keyed by audit id, preserving per-key ordering
// without head-of-line blocking across unrelated events. While the broker is
// unreachable it drops events instead of buffering unboundedly.
type Publisher struct {
	client    producer
	topic     string
	timeout   time.Duration
	probe     time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	connected atomic.Bool
}

// New connects a Kafka producer. Returns (nil, nil) when no brokers are
// configured; callers treat a nil publisher as "stream disabled".
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, err
	}

	p := newPublisher(client, cfg, logger, m)

	// Initial probe; a down broker at startup is a degraded state, not a
	// startup failure.
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	p.setConnected(client.Ping(pingCtx) == nil)

	return p, nil
}

func newPublisher(client producer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		client:  client,
		topic:   cfg.Topic,
		timeout: cfg.Timeout,
		probe:   cfg.ProbeInterval,
		logger:  logger,
		metrics: m,
	}
}

// Publish enqueues one event for delivery. It never blocks and never returns
// an error: failures are counted, logged, and dropped.
func (p *Publisher) Publish(ev audit.Event) {
	if !p.connected.Load() {
		p.metrics.IncPublishDropped()
		p.logger.Debug("stream disconnected, dropping event", "audit_id", ev.AuditID)
		return
	}

	value, err := json.Marshal(ev)
	if err != nil {
		p.metrics.IncPublishFailure()
		p.logger.Error("marshal event for stream", "audit_id", ev.AuditID, "error", err)
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.AuditID),
		Value: value,
	}

	// Detached context: the ingestion request has already been answered by
	// the time delivery completes. RecordDeliveryTimeout bounds the attempt.
	p.client.TryProduce(context.Background(), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.metrics.IncPublishFailure()
			p.setConnected(false)
			p.logger.Warn("stream publish failed",
				"audit_id", string(r.Key),
				"topic", r.Topic,
				"error", err,
			)
		}
	})
}

// Connected reports broker connectivity for health checks.
func (p *Publisher) Connected() bool {
	if p == nil {
		return false
	}
	return p.connected.Load()
}

// Run re-probes broker connectivity until ctx is canceled, flipping the
// connected flag as the broker comes and goes.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.probe)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
			err := p.client.Ping(pingCtx)
			cancel()
			p.setConnected(err == nil)
		}
	}
}

// Close releases the underlying client.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Close()
}

func (p *Publisher) setConnected(up bool) {
	was := p.connected.Swap(up)
	p.metrics.SetStreamConnected(up)
	if was != up {
		if up {
			p.logger.Info("stream broker connected", "topic", p.topic)
		} else {
			p.logger.Warn("stream broker disconnected", "topic", p.topic)
		}
	}
}
