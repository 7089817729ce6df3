/**
 * @description
 * This file defines the Notifier port and its RabbitMQ-backed implementation.
 * SMS delivery is owned by a separate service; the payment-service only
 * publishes notification events and treats delivery as best-effort. A failed
 * or slow notification never fails or delays a payment operation.
 *
 * @dependencies
 * - context, fmt, log, time: Standard Go libraries.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tiaraconnect/payment-service/pkg/rabbitmq"
)

// Notifier sends customer-facing SMS notifications. Implementations must be
// safe for concurrent use.
type Notifier interface {
	SendPaymentInitiated(ctx context.Context, phoneNumber string, amount int64, reference string) error
	SendSTKPushSent(ctx context.Context, phoneNumber string, amount int64) error
	SendPaymentSuccess(ctx context.Context, phoneNumber string, amount int64, reference, receipt string) error
	SendPaymentFailed(ctx context.Context, phoneNumber string, amount int64, reference, reason string) error
	SendReversalNotification(ctx context.Context, phoneNumber string, amount int64, originalReceipt string) error
}

// SMSNotifier publishes SMS events to the payment events exchange; the
// sms-service consumes them and talks to the delivery provider.
type SMSNotifier struct {
	producer rabbitmq.Publisher
	exchange string
}

// NewSMSNotifier creates a notifier over the given publisher. An empty
// exchange falls back to the default payment events exchange.
func NewSMSNotifier(producer rabbitmq.Publisher, exchange string) *SMSNotifier {
	if exchange == "" {
		exchange = rabbitmq.PaymentEventsExchange
	}
	return &SMSNotifier{producer: producer, exchange: exchange}
}

func (n *SMSNotifier) publish(ctx context.Context, routingKey, phoneNumber, message string) error {
	event := rabbitmq.SMSEvent{
		PhoneNumber: phoneNumber,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
	return n.producer.Publish(ctx, n.exchange, routingKey, event)
}

// SendPaymentInitiated tells the payer their payment has been accepted.
func (n *SMSNotifier) SendPaymentInitiated(ctx context.Context, phoneNumber string, amount int64, reference string) error {
	msg := fmt.Sprintf("TiaraConnect: Payment of KES %d initiated. Reference: %s. You will receive an MPesa prompt shortly.", amount, reference)
	return n.publish(ctx, "sms.payment.initiated", phoneNumber, msg)
}

// SendSTKPushSent tells the payer to look for the PIN prompt.
func (n *SMSNotifier) SendSTKPushSent(ctx context.Context, phoneNumber string, amount int64) error {
	msg := fmt.Sprintf("TiaraConnect: Please check your phone for MPesa prompt to pay KES %d. Enter your PIN to complete payment.", amount)
	return n.publish(ctx, "sms.payment.prompt", phoneNumber, msg)
}

// SendPaymentSuccess confirms a settled payment.
func (n *SMSNotifier) SendPaymentSuccess(ctx context.Context, phoneNumber string, amount int64, reference, receipt string) error {
	msg := fmt.Sprintf("TiaraConnect: Payment of KES %d successful! Reference: %s, Transaction ID: %s. Thank you for your business.", amount, reference, receipt)
	return n.publish(ctx, "sms.payment.success", phoneNumber, msg)
}

// SendPaymentFailed reports a failed payment with the gateway's reason.
func (n *SMSNotifier) SendPaymentFailed(ctx context.Context, phoneNumber string, amount int64, reference, reason string) error {
	msg := fmt.Sprintf("TiaraConnect: Payment of KES %d failed. Reference: %s. Reason: %s. Please try again or contact support.", amount, reference, reason)
	return n.publish(ctx, "sms.payment.failed", phoneNumber, msg)
}

// SendReversalNotification reports a processed reversal.
func (n *SMSNotifier) SendReversalNotification(ctx context.Context, phoneNumber string, amount int64, originalReceipt string) error {
	msg := fmt.Sprintf("TiaraConnect: Reversal of KES %d processed. Original TX: %s.", amount, originalReceipt)
	return n.publish(ctx, "sms.payment.reversal", phoneNumber, msg)
}

// notifyAsync runs a notification on a detached goroutine with its own
// timeout. The orchestration path never blocks on notifier latency and never
// observes notifier failure.
func notifyAsync(component string, send func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := send(ctx); err != nil {
			log.Printf("level=warn component=%s msg=\"sms notification failed\" err=%v", component, err)
		}
	}()
}
