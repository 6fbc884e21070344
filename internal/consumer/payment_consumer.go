package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/streadway/amqp"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

const defaultHandleTimeout = 30 * time.Second

// PaymentEventHandler は支払イベントを反映する処理です
type PaymentEventHandler interface {
	Apply(ctx context.Context, event model.PaymentEvent) (*model.PaymentReceipt, error)
}

// PaymentConsumer はRabbitMQのキューから支払イベントを受け取り、台帳に反映します
type PaymentConsumer struct {
	connection    *amqp.Connection
	channel       *amqp.Channel
	queueName     string
	handler       PaymentEventHandler
	handleTimeout time.Duration
}

// NewPaymentConsumer はRabbitMQに接続し、キューを宣言します
func NewPaymentConsumer(rabbitURL, queueName string, handler PaymentEventHandler) (*PaymentConsumer, error) {
	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	log.Printf("Queue '%s' declared successfully", queueName)

	return newPaymentConsumer(conn, ch, queueName, handler), nil
}

func newPaymentConsumer(conn *amqp.Connection, ch *amqp.Channel, queueName string, handler PaymentEventHandler) *PaymentConsumer {
	return &PaymentConsumer{
		connection:    conn,
		channel:       ch,
		queueName:     queueName,
		handler:       handler,
		handleTimeout: defaultHandleTimeout,
	}
}

// Run はctxがキャンセルされるか、チャネルが閉じられるまでメッセージを処理します
// 同じ予約への支払が並行しないよう、1件ずつ処理します
func (c *PaymentConsumer) Run(ctx context.Context) error {
	if err := c.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := c.channel.Consume(
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

	log.Printf("Consumer registered on queue '%s', waiting for payment events...", c.queueName)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Payment consumer stopped: %v", ctx.Err())
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed by broker")
			}
			c.processMessage(ctx, msg)
		}
	}
}

// processMessage はメッセージ1件を処理し、ack/nackを決めます
// 形式の誤りとドメインエラーは再試行しても結果が変わらないため破棄し、それ以外は再投入します
func (c *PaymentConsumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	ctx, seg := xray.BeginSegment(ctx, "PaymentConsumer.processMessage")
	defer seg.Close(nil)

	var event model.PaymentEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		log.Printf("Rejecting malformed payment event (delivery %d): %v", msg.DeliveryTag, err)
		c.nack(msg, false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.handleTimeout)
	defer cancel()

	receipt, err := c.handler.Apply(ctx, event)
	if err != nil {
		seg.Close(err)
		var domainErr *model.Error
		if errors.As(err, &domainErr) {
			log.Printf("Discarding payment event %s: %v", event.EventID, err)
			c.nack(msg, false)
			return
		}
		log.Printf("Failed to apply payment event %s, requeueing: %v", event.EventID, err)
		c.nack(msg, true)
		return
	}

	if receipt.Duplicate {
		log.Printf("Payment event %s was already applied", receipt.Payment.EventID)
	}
	if err := msg.Ack(false); err != nil {
		log.Printf("Error acknowledging message: %v", err)
	}
}

func (c *PaymentConsumer) nack(msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		log.Printf("Error rejecting message: %v", err)
	}
}

// Close はRabbitMQのチャネルと接続を閉じます
func (c *PaymentConsumer) Close() error {
	var errs []error

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing channel: %w", err))
		}
	}
	if c.connection != nil {
		if err := c.connection.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing connection: %w", err))
		}
	}

	return errors.Join(errs...)
}
