package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type Consumer interface {
	Start() error
	Close() error
}

// RunHandler executes a consumed notification run.
type RunHandler interface {
	HandleRunRequested(ctx context.Context, event *RunRequestedEvent) error
}

type EventConsumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queueName  string
	runHandler RunHandler
	enabled    bool
}

func NewEventConsumer(rabbitURI, exchangeName, queueName string, runHandler RunHandler) (*EventConsumer, error) {
	if rabbitURI == "" {
		log.Println("Warning: RabbitMQ URI is empty, event consumption is disabled")
		return &EventConsumer{
			enabled: false,
		}, nil
	}

	conn, err := amqp091.Dial(rabbitURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = channel.QueueBind(
		queue.Name,            // queue name
		EventTypeRunRequested, // routing key
		exchangeName,          // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &EventConsumer{
		conn:       conn,
		channel:    channel,
		queueName:  queue.Name,
		runHandler: runHandler,
		enabled:    true,
	}, nil
}

func (c *EventConsumer) Start() error {
	if !c.enabled {
		return nil
	}

	messages, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for msg := range messages {
			c.handleMessage(msg)
		}
		log.Println("Event consumer channel closed")
	}()

	log.Printf("Event consumer started on queue %s", c.queueName)
	return nil
}

func (c *EventConsumer) handleMessage(msg amqp091.Delivery) {
	var event RunRequestedEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		log.Printf("Failed to decode run requested event: %v", err)
		msg.Nack(false, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := c.runHandler.HandleRunRequested(ctx, &event); err != nil {
		log.Printf("Failed to handle run for meeting %s: %v", event.MeetingID, err)
		// Requeue once; a poisoned message should not spin forever.
		msg.Nack(false, !msg.Redelivered)
		return
	}

	msg.Ack(false)
}

func (c *EventConsumer) Close() error {
	if !c.enabled {
		return nil
	}

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			log.Printf("Error closing RabbitMQ channel: %v", err)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("error closing RabbitMQ connection: %w", err)
		}
	}

	return nil
}
