// Package notify delivers user notifications raised by ingestion and
// diagnostics: persisted for the notifications endpoint, and optionally
// published to Kafka for downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-ledger/ledger"
)

// Store persists notifications through a NotificationStore.
type Store struct {
	store ledger.NotificationStore
}

func NewStore(store ledger.NotificationStore) *Store {
	return &Store{store: store}
}

func (s *Store) Notify(ctx context.Context, n ledger.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// =============================================================================
// KAFKA
// =============================================================================

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each notification as a JSON message keyed by user id, so
// one user's notifications stay ordered within a partition.
type Kafka struct {
	writer MessageWriter
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// NewKafkaWithWriter is used by tests and callers that tune the writer.
func NewKafkaWithWriter(w MessageWriter) *Kafka {
	return &Kafka{writer: w}
}

func (k *Kafka) Notify(ctx context.Context, n ledger.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	})
}

func (k *Kafka) Close() error { return k.writer.Close() }

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi sends to every notifier. A failing notifier does not stop the
// others; the joined error is returned.
type Multi struct {
	notifiers []ledger.Notifier
	log       logrus.FieldLogger
}

func NewMulti(log logrus.FieldLogger, notifiers ...ledger.Notifier) *Multi {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Multi{notifiers: notifiers, log: log}
}

func (m *Multi) Notify(ctx context.Context, n ledger.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"notification_id": n.ID,
				"kind":            n.Kind,
			}).Warn("notification delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
