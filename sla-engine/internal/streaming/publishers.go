package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/executor"
)

// NotificationPublisher hands Notify actions to the notification service
// through a Kafka topic keyed by instance id.
type NotificationPublisher struct {
	producer Producer
}

func NewNotificationPublisher(p Producer) *NotificationPublisher {
	return &NotificationPublisher{producer: p}
}

func (n *NotificationPublisher) Send(ctx context.Context, msg executor.Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := n.producer.Produce(ctx, []byte(msg.InstanceID), body); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// AlertPublisher raises CreateAlert actions on the alert topic.
type AlertPublisher struct {
	producer Producer
}

func NewAlertPublisher(p Producer) *AlertPublisher {
	return &AlertPublisher{producer: p}
}

func (a *AlertPublisher) Raise(ctx context.Context, alert executor.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if _, err := a.producer.Produce(ctx, []byte(alert.InstanceID), body); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
