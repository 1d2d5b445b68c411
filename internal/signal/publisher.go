package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers            []string      `yaml:"brokers"`
	Topic              string        `yaml:"topic"`
	ClientID           string        `yaml:"client_id"`
	SchemaVersion      string        `yaml:"schema_version"`
	Linger             time.Duration `yaml:"linger"`
	MaxBufferedRecords int           `yaml:"max_buffered_records"`
}

// DefaultKafkaConfig returns defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:              "pumpsignal.signals",
		ClientID:           "pumpsignal",
		SchemaVersion:      "1.0.0",
		Linger:             5 * time.Millisecond,
		MaxBufferedRecords: 1000,
	}
}

// KafkaPublisher publishes signals to Kafka/RedPanda, keyed by mint.
type KafkaPublisher struct {
	client  *kgo.Client
	config  KafkaConfig
	headers []kgo.RecordHeader

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher creates a franz-go backed publisher. Every signal waits
// for all in-sync replicas.
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	def := DefaultKafkaConfig()
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("signal: kafka: no brokers configured")
	}
	if config.Topic == "" {
		config.Topic = def.Topic
	}
	if config.ClientID == "" {
		config.ClientID = def.ClientID
	}
	if config.SchemaVersion == "" {
		config.SchemaVersion = def.SchemaVersion
	}
	if config.Linger <= 0 {
		config.Linger = def.Linger
	}
	if config.MaxBufferedRecords <= 0 {
		config.MaxBufferedRecords = def.MaxBufferedRecords
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(config.Brokers...),
		kgo.ClientID(config.ClientID),
		kgo.DefaultProduceTopic(config.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(config.Linger),
		kgo.MaxBufferedRecords(config.MaxBufferedRecords),
	)
	if err != nil {
		return nil, fmt.Errorf("signal: create kafka client: %w", err)
	}

	log.Info().
		Strs("brokers", config.Brokers).
		Str("topic", config.Topic).
		Msg("signal: kafka publisher created")

	return &KafkaPublisher{
		client: client,
		config: config,
		headers: []kgo.RecordHeader{
			{Key: "producer", Value: []byte(config.ClientID)},
			{Key: "schema_version", Value: []byte(config.SchemaVersion)},
		},
	}, nil
}

// record converts a signal to a Kafka record.
func (p *KafkaPublisher) record(rec Record) (*kgo.Record, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal signal: %w", err)
	}
	headers := make([]kgo.RecordHeader, 0, len(p.headers)+1)
	headers = append(headers, p.headers...)
	headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(rec.ID.String())})
	return &kgo.Record{
		Topic:     p.config.Topic,
		Key:       []byte(rec.Mint),
		Value:     value,
		Headers:   headers,
		Timestamp: rec.CreatedAt,
	}, nil
}

// Publish sends the signal synchronously. The message id is
// "topic/partition/offset".
func (p *KafkaPublisher) Publish(ctx context.Context, rec Record) (string, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return "", fmt.Errorf("signal: publisher is closed")
	}
	p.mu.RUnlock()

	r, err := p.record(rec)
	if err != nil {
		return "", err
	}
	results := p.client.ProduceSync(ctx, r)
	if err := results.FirstErr(); err != nil {
		return "", fmt.Errorf("signal: publish to %s: %w", p.config.Topic, err)
	}

	out := results[0].Record
	log.Debug().
		Str("topic", out.Topic).
		Int32("partition", out.Partition).
		Int64("offset", out.Offset).
		Msg("signal: published")

	return out.Topic + "/" + strconv.Itoa(int(out.Partition)) + "/" + strconv.FormatInt(out.Offset, 10), nil
}

// Ping checks that at least one broker is reachable.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("signal: kafka flush failed")
	}
	p.client.Close()
	log.Info().Msg("signal: kafka publisher closed")
}

// --- Log publisher for development/testing ---

// LogPublisher writes signals to the log. Used when Kafka is not configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, rec Record) (string, error) {
	log.Info().
		Str("id", rec.ID.String()).
		Str("mint", rec.Mint).
		Str("symbol", rec.Symbol).
		Str("stage", rec.Stage.String()).
		Int("score", rec.Score).
		Int("threshold", rec.Threshold).
		Interface("breakdown", rec.Breakdown).
		Msg("signal: CONVICTION")
	return "log/" + rec.ID.String(), nil
}

// MemoryPublisher keeps published signals in memory.
type MemoryPublisher struct {
	mu      sync.Mutex
	Records []Record
	Err     error
}

func (p *MemoryPublisher) Publish(_ context.Context, rec Record) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.Records = append(p.Records, rec)
	return fmt.Sprintf("mem/%d", len(p.Records)), nil
}

// Published returns a copy of the published records.
func (p *MemoryPublisher) Published() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Record(nil), p.Records...)
}
