// Package notify publishes run-state-changed events for external
// subscribers. Delivery is at-least-once with no ordering guarantee
// beyond the run ID and stage sequence number carried on each event.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/gatecrane-io/gatecrane/internal/logging"
	"github.com/gatecrane-io/gatecrane/internal/model"
)

// Event is one run-state-changed notification.
type Event struct {
	Target   string       `json:"target"`
	RunID    int64        `json:"run_id"`
	Revision string       `json:"revision"`
	Status   model.Status `json:"status"`
	Stage    model.Stage  `json:"stage,omitempty"`
	// Seq is the stage sequence number within the run, the only
	// ordering subscribers may rely on.
	Seq     int       `json:"seq"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier is the publish contract.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// LogNotifier writes events to the structured log. It is the default
// subscriber and never fails.
type LogNotifier struct{}

func (LogNotifier) Publish(ctx context.Context, event Event) error {
	logging.Info("run state changed",
		"target", event.Target,
		"run", event.RunID,
		"status", event.Status,
		"stage", event.Stage,
		"seq", event.Seq,
		"message", event.Message,
	)
	return nil
}

// SNSNotifier publishes events to an SNS topic as JSON, with target
// and status as message attributes for subscription filtering.
type SNSNotifier struct {
	client   *sns.Client
	topicARN string
}

func NewSNSNotifier(client *sns.Client, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topicARN: topicARN}
}

func (n *SNSNotifier) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"target": {DataType: aws.String("String"), StringValue: aws.String(event.Target)},
			"status": {DataType: aws.String("String"), StringValue: aws.String(string(event.Status))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", n.topicARN, err)
	}
	return nil
}

// Multi fans one event out to several notifiers. Publish returns the
// first error but still attempts every notifier, keeping delivery
// at-least-once per subscriber.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
