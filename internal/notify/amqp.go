// Package notify fans interview updates out over AMQP.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/protocol"
	"github.com/streadway/amqp"
)

// AMQPNotifier publishes to a durable topic exchange with routing key
// interview.<id>.
type AMQPNotifier struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger
	mu       sync.Mutex
}

func Dial(cfg config.NotifyConfig, log *slog.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	log.Info("connected to AMQP", slog.String("exchange", cfg.Exchange))
	return &AMQPNotifier{
		conn:     conn,
		exchange: cfg.Exchange,
		log:      log.With(slog.String("component", "notify")),
	}, nil
}

// NotifyAnalysis publishes a finished analysis.
func (n *AMQPNotifier) NotifyAnalysis(ctx context.Context, update protocol.AnalysisReady) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, msg, err := publishing(update)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Publish(n.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	n.log.Debug("analysis update published", slog.String("routing_key", key))
	return nil
}

func (n *AMQPNotifier) Close() {
	if n == nil || n.conn == nil {
		return
	}
	n.conn.Close()
}

func publishing(update protocol.AnalysisReady) (string, amqp.Publishing, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("encode update: %w", err)
	}
	return RoutingKey(update.InterviewID), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    update.Timestamp,
		Type:         "analysis.ready",
		Body:         body,
	}, nil
}

// RoutingKey is the topic key of an interview's updates.
func RoutingKey(interviewID string) string {
	return "interview." + interviewID
}
