package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

const (
	ExchangeName  = "labs"
	ExchangeType  = "topic"
	QueueRequests = "labs.requests"
	QueueStatus   = "labs.status"

	StatusRoutingKey  = "session.status"
	EventStatusUpdate = "LAB_SESSION_STATUS_UPDATED"
)

type StatusEvent struct {
	EventType string        `json:"event_type"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   StatusPayload `json:"payload"`
}

type StatusPayload struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	TemplateID string `json:"template_id"`
	State      string `json:"state"`
	ExitReason string `json:"exit_reason,omitempty"`
	Message    string `json:"message"`
}

// Publisher emits session status events to the labs exchange.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
	log     logrus.FieldLogger

	publish func(ctx context.Context, routingKey string, body []byte) error
}

// NewPublisher connects to RabbitMQ and declares the exchange and the status queue.
func NewPublisher(rabbitMQURL string, log logrus.FieldLogger) (*Publisher, error) {
	conn, ch, err := dial(rabbitMQURL)
	if err != nil {
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		QueueStatus,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare status queue: %w", err)
	}

	if err := ch.QueueBind(QueueStatus, "*.status", ExchangeName, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind status queue: %w", err)
	}

	p := &Publisher{
		conn:    conn,
		channel: ch,
		log:     log.WithField("component", "rabbitmq.publisher"),
	}
	p.publish = p.publishAMQP
	p.log.Info("RabbitMQ publisher connected and status queue bound")
	return p, nil
}

// dial opens a connection and a channel and declares the labs exchange.
func dial(rabbitMQURL string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(rabbitMQURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return conn, ch, nil
}

// PublishStatus sends the session's current state. Failures are logged only.
func (p *Publisher) PublishStatus(ctx context.Context, s models.LabSession, message string) {
	event := StatusEvent{
		EventType: EventStatusUpdate,
		Timestamp: time.Now().UTC(),
		Payload: StatusPayload{
			SessionID:  s.SessionID,
			UserID:     s.UserID,
			TemplateID: s.TemplateID,
			State:      string(s.State),
			ExitReason: s.ExitReason,
			Message:    message,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).Error("Failed to marshal status event")
		return
	}

	if err := p.publish(ctx, StatusRoutingKey, data); err != nil {
		p.log.WithError(err).WithField("session_id", s.SessionID).Warn("Failed to publish status")
	}
}

func (p *Publisher) publishAMQP(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(
		ctx,
		ExchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Close closes the RabbitMQ connection
func (p *Publisher) Close() error {
	return closeAll(p.channel, p.conn, p.log)
}

func closeAll(ch *amqp.Channel, conn *amqp.Connection, log logrus.FieldLogger) error {
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.WithError(err).Warn("Error closing RabbitMQ channel")
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
