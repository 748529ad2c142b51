package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher sends entries as JSON to a durable topic exchange. The
// routing key is "audit." followed by the action.
type AMQPPublisher struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPPublisher connects and declares the exchange.
func NewAMQPPublisher(amqpURL, exchange string) (*AMQPPublisher, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	p := &AMQPPublisher{url: clean, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp091.DialConfig(p.url, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn, p.channel = conn, ch
	return nil
}

func routingKey(action string) string {
	return "audit." + strings.ReplaceAll(action, " ", "_")
}

// Publish sends one entry. A closed channel is reopened once before giving up.
func (p *AMQPPublisher) Publish(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    e.Timestamp,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey(e.Action), false, false, msg)
	if errors.Is(err, amqp091.ErrClosed) {
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
		err = p.channel.PublishWithContext(ctx, p.exchange, routingKey(e.Action), false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}
