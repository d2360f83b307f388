// Package pubsub publishes extracted records to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

// Config names the destination topic.
type Config struct {
	ProjectID string
	Topic     string
}

// Sink wraps a Pub/Sub topic publisher.
type Sink struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	propagator propagation.TextMapPropagator
	ownClient  bool
}

// Option customizes a Sink.
type Option func(*Sink)

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(s *Sink) {
		if p != nil {
			s.propagator = p
		}
	}
}

// New creates a Pub/Sub client and checks that the topic exists.
func New(ctx context.Context, cfg Config, clientOpts []option.ClientOption, opts ...Option) (*Sink, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("sink.project_id and sink.topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %q: %w", cfg.Topic, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("topic %q does not exist", cfg.Topic)
	}
	s := newSink(client, topic, opts)
	s.ownClient = true
	return s, nil
}

// NewWithTopic publishes to an existing topic handle (primarily for testing).
func NewWithTopic(topic *pubsub.Topic, opts ...Option) (*Sink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is not configured")
	}
	return newSink(nil, topic, opts), nil
}

func newSink(client *pubsub.Client, topic *pubsub.Topic, opts []Option) *Sink {
	s := &Sink{
		client:     client,
		topic:      topic,
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append publishes record as JSON and waits for the server ack.
func (s *Sink) Append(ctx context.Context, record crawler.Record) error {
	data, err := record.JSON()
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"manufacturer": record.Manufacturer,
			"sku":          record.SKU,
		},
	}
	s.propagator.Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := s.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish record %s: %w", record.URL, err)
	}
	return nil
}

// Close flushes pending publishes and releases the client it created.
func (s *Sink) Close(context.Context) error {
	s.topic.Stop()
	if !s.ownClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
