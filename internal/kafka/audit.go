package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AuditWriter ships command audit events to a Kafka topic, keyed by session id so
// a session's commands stay ordered within one partition.
type AuditWriter struct {
	writer messageWriter
	log    logrus.FieldLogger
}

// NewAuditWriter creates an asynchronous writer; delivery errors are logged.
func NewAuditWriter(brokerURL, topic string, log logrus.FieldLogger) *AuditWriter {
	log = log.WithField("component", "kafka.audit")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerURL),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithField("count", len(messages)).Warn("Failed to write audit events")
			}
		},
	}
	return &AuditWriter{writer: writer, log: log}
}

func (a *AuditWriter) RecordCommand(ctx context.Context, event models.CommandAuditEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		a.log.WithError(err).Error("Failed to marshal audit event")
		return
	}

	err = a.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SessionID),
		Value: value,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(event.Outcome)},
		},
	})
	if err != nil {
		a.log.WithError(err).WithField("session_id", event.SessionID).Warn("Failed to queue audit event")
	}
}

func (a *AuditWriter) Close() error {
	return a.writer.Close()
}
