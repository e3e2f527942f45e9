// Package auditbus mirrors committed audit records to a Kafka topic for
// external retention and search (ELK-style ingestion). The mirror is
// best-effort: a bus failure never fails or blocks an audit append.
package auditbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Mennes303/gdpr-art5-engine/pkg/audit"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

type Config struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		// Publish runs on the audit append path; delivery must happen in the
		// writer's background batches, never inline.
		Async:      true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Printf("pdp auditbus: deliver %d messages: %v", len(messages), err)
			}
		},
	}
	return &Publisher{writer: w, timeout: timeout}, nil
}

// Publish sends one audit entry keyed by its decision id. Errors are logged,
// not returned: the database row is the source of truth.
func (p *Publisher) Publish(entry audit.Entry) {
	if p == nil || p.writer == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		log.Printf("pdp auditbus: marshal: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.DecisionID),
		Value: payload,
	}); err != nil {
		log.Printf("pdp auditbus: publish seq=%d: %v", entry.Seq, err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
