package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

const (
	EventCreateRequested = "LAB_SESSION_CREATE_REQUESTED"
	EventStopRequested   = "LAB_SESSION_STOP_REQUESTED"
)

// SessionService is the part of the session manager driven by queued requests.
type SessionService interface {
	CreateSession(ctx context.Context, userID, templateID string) (models.LabSession, error)
	StopSession(ctx context.Context, sessionID string) (models.LabSession, error)
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, s models.LabSession, message string)
}

type LabEvent struct {
	EventType string     `json:"event_type"`
	Timestamp time.Time  `json:"timestamp"`
	Payload   LabPayload `json:"payload"`
}

type LabPayload struct {
	UserID     string `json:"user_id"`
	TemplateID string `json:"template_id"`
	SessionID  string `json:"session_id"`
}

// Consumer processes lab session requests from RabbitMQ. Requests are never
// requeued: a failed provisioning is reported through a status event instead.
type Consumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	sessions  SessionService
	publisher StatusPublisher
	log       logrus.FieldLogger
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(rabbitMQURL string, sessions SessionService, publisher StatusPublisher, log logrus.FieldLogger) (*Consumer, error) {
	conn, ch, err := dial(rabbitMQURL)
	if err != nil {
		return nil, err
	}

	_, err = ch.QueueDeclare(
		QueueRequests,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare requests queue: %w", err)
	}

	if err := ch.QueueBind(QueueRequests, "*.requested", ExchangeName, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	// Provisioning is slow; take one request at a time.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	c := newConsumer(sessions, publisher, log)
	c.conn, c.channel = conn, ch
	c.log.Info("RabbitMQ consumer connected and queue bound")
	return c, nil
}

func newConsumer(sessions SessionService, publisher StatusPublisher, log logrus.FieldLogger) *Consumer {
	return &Consumer{
		sessions:  sessions,
		publisher: publisher,
		log:       log.WithField("component", "rabbitmq.consumer"),
	}
}

// Start consumes requests until ctx is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		QueueRequests,
		"lab-engine", // consumer tag
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.log.Info("RabbitMQ consumer started, waiting for messages")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("RabbitMQ consumer shutting down")
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			if err := c.handleMessage(ctx, msg.Body); err != nil {
				c.log.WithError(err).Warn("Dropping lab request")
				msg.Nack(false, false)
				continue
			}
			msg.Ack(false)
		}
	}
}

// handleMessage returns an error only for requests that cannot be processed at all.
func (c *Consumer) handleMessage(ctx context.Context, body []byte) error {
	var event LabEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	log := c.log.WithFields(logrus.Fields{
		"event_type":  event.EventType,
		"user_id":     event.Payload.UserID,
		"template_id": event.Payload.TemplateID,
		"session_id":  event.Payload.SessionID,
	})
	log.Debug("Received lab request")

	switch event.EventType {
	case EventCreateRequested:
		return c.handleCreateRequest(ctx, log, &event)
	case EventStopRequested:
		return c.handleStopRequest(ctx, log, &event)
	default:
		log.Warn("Unknown event type")
		return nil
	}
}

func (c *Consumer) handleCreateRequest(ctx context.Context, log logrus.FieldLogger, event *LabEvent) error {
	s, err := c.sessions.CreateSession(ctx, event.Payload.UserID, event.Payload.TemplateID)
	if err == nil {
		return nil
	}
	if s.SessionID != "" {
		// Failed provisionings already emitted their own status.
		log.WithError(err).Info("Queued session request failed")
		return nil
	}

	c.emitStatus(ctx, models.LabSession{
		UserID:     event.Payload.UserID,
		TemplateID: event.Payload.TemplateID,
		State:      models.StateFailed,
		ExitReason: models.ErrorCode(err),
	}, err.Error())
	if errors.Is(err, models.ErrInvalidRequest) || errors.Is(err, models.ErrTemplateNotFound) {
		return err
	}
	return nil
}

func (c *Consumer) handleStopRequest(ctx context.Context, log logrus.FieldLogger, event *LabEvent) error {
	if event.Payload.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", models.ErrInvalidRequest)
	}
	if _, err := c.sessions.StopSession(ctx, event.Payload.SessionID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Info("Stop requested for unknown session")
			return nil
		}
		return err
	}
	return nil
}

func (c *Consumer) emitStatus(ctx context.Context, s models.LabSession, message string) {
	if c.publisher != nil {
		c.publisher.PublishStatus(ctx, s, message)
	}
}

// Close closes the RabbitMQ connection
func (c *Consumer) Close() error {
	return closeAll(c.channel, c.conn, c.log)
}
