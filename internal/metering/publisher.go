package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tillerworks/helmsman/pkg/logging"
)

const defaultBillingTopic = "billing.usage_reports"

type PublisherConfig struct {
	Brokers []string
	Topic   string
	Source  string
	Logger  logging.Logger
}

// Publisher ships usage summaries to the billing topic.
type Publisher struct {
	client *kgo.Client
	topic  string
	source string
	logger logging.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required for billing publisher")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultBillingTopic
	}
	source := cfg.Source
	if source == "" {
		source = "helmsman"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(source),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Publisher{
		client: client,
		topic:  topic,
		source: source,
		logger: cfg.Logger,
	}, nil
}

// Client exposes the underlying kgo client for the service health check.
func (p *Publisher) Client() *kgo.Client {
	if p == nil {
		return nil
	}
	return p.client
}

func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.client.Close()
	return nil
}

// HealthCheck pings the brokers; used by the service health endpoint.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("kafka publisher is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

func (p *Publisher) PublishUsageSummary(summary UsageSummary) error {
	if p == nil || p.client == nil {
		return nil
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal usage summary: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(summary.AccountEmail),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "source", Value: []byte(p.source)},
			{Key: "type", Value: []byte("usage_summary")},
			{Key: "account", Value: []byte(summary.AccountEmail)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce usage summary: %w", err)
	}
	if p.logger != nil {
		p.logger.WithFields(logging.Fields{
			"account": summary.AccountEmail,
			"topic":   p.topic,
		}).Info("Published usage summary to billing")
	}
	return nil
}
