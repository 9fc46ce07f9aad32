// Package pubsub publishes audit notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
)

// Publisher publishes JSON payloads, one Pub/Sub publisher per topic.
type Publisher struct {
	client     *pubsub.Client
	owned      bool
	propagator propagation.TextMapPropagator

	mu     sync.Mutex
	topics map[string]*pubsub.Publisher
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(pub *Publisher) {
		if p != nil {
			pub.propagator = p
		}
	}
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client *pubsub.Client, opts ...Option) *Publisher {
	p := &Publisher{
		client:     client,
		propagator: otel.GetTextMapPropagator(),
		topics:     make(map[string]*pubsub.Publisher),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open creates a client for projectID. PUBSUB_EMULATOR_HOST is honoured by
// the client library.
func Open(ctx context.Context, projectID string, clientOpts []option.ClientOption, opts ...Option) (*Publisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := New(client, opts...)
	p.owned = true
	return p, nil
}

// Publish marshals the payload to JSON and publishes it to topic, carrying
// the trace context in the message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"contentType": "application/json"},
	}
	p.propagator.Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages and closes an owned client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for name, pub := range p.topics {
		pub.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	if !p.owned || p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.topics[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.topics[topic] = pub
	}
	return pub
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
