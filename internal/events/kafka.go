// Package events publishes decisions to Kafka for downstream
// reconciliation and model-training jobs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/risk"
)

// ErrNoBrokers is returned when no seed brokers are configured.
var ErrNoBrokers = errors.New("events: no kafka brokers configured")

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// DecisionEvent is the message value. Reasons and signal ids travel with
// the decision so consumers never need to read the decision store.
type DecisionEvent struct {
	Version   int            `json:"version"`
	Decision  *risk.Decision `json:"decision"`
	Published time.Time      `json:"published"`
}

// Publisher produces one record per decision, keyed by subject so a
// subject's decisions land on one partition in order.
type Publisher struct {
	client producer
	topic  string
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

var _ risk.Notifier = (*Publisher)(nil)

// NewPublisher connects a franz-go client to brokers.
func NewPublisher(brokers []string, topic, clientID string, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(20*time.Millisecond),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
		kgo.RecordDeliveryTimeout(30*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return newPublisher(client, topic, logger), nil
}

func newPublisher(client producer, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, topic: topic, logger: logging.OrDiscard(logger)}
}

// NotifyDecision implements risk.Notifier. Produce is asynchronous; the
// delivery result is only logged.
func (p *Publisher) NotifyDecision(ctx context.Context, d *risk.Decision) {
	value, err := json.Marshal(DecisionEvent{Version: 1, Decision: d, Published: time.Now().UTC()})
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("decision event encode failed", "decision_id", d.ID, "error", err)
		return
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(d.SubjectType + ":" + d.SubjectID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "decision_id", Value: []byte(d.ID)},
			{Key: "mode", Value: []byte(d.Mode)},
		},
	}
	p.client.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			metrics.DependencyErrorsTotal.WithLabelValues("kafka").Inc()
			logging.DependencyError(ctx, p.logger, "kafka", d.SubjectType+":"+d.SubjectID, err)
			return
		}
		p.published.Add(1)
	})
}

// Ping checks broker connectivity, for the health registry.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records, bounded by ctx, and closes the client.
func (p *Publisher) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

// Stats returns delivery counters.
func (p *Publisher) Stats() map[string]int64 {
	return map[string]int64{
		"published": p.published.Load(),
		"failed":    p.failed.Load(),
	}
}
