// Package notifications delivers subscriber-facing refresh notices through
// SQS and emits operational metrics to CloudWatch. It implements the engine's
// notification port; delivery failures surface as warnings on the refresh
// result, never as errors.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"perkledger/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// RefreshNotice is the message body published to the notification queue when
// a subscriber's perk balances change. Downstream consumers (email, in-app)
// fan out from this queue.
type RefreshNotice struct {
	SubscriberID string                 `json:"subscriber_id"`
	Balances     map[types.PerkType]int `json:"balances"`
	SentAt       time.Time              `json:"sent_at"`
	TraceID      string                 `json:"trace_id,omitempty"`
}

// QueuePublisher wraps an SQS client to publish RefreshNotices. It implements
// types.NotificationPort for the refresh engine.
type QueuePublisher struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   types.Logger
}

var _ types.NotificationPort = (*QueuePublisher)(nil)

// NewQueuePublisher creates a new QueuePublisher targeting the specified SQS
// notification queue.
func NewQueuePublisher(client SQSSender, queueURL string, clock types.Clock, logger types.Logger) *QueuePublisher {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &QueuePublisher{
		client:   client,
		queueURL: queueURL,
		clock:    clock,
		logger:   logger,
	}
}

// OnRefresh implements types.NotificationPort. It publishes the subscriber's
// post-refresh balances with no delivery delay.
func (p *QueuePublisher) OnRefresh(ctx context.Context, subscriberID string, balances map[types.PerkType]int) error {
	notice := RefreshNotice{
		SubscriberID: subscriberID,
		Balances:     balances,
		SentAt:       p.clock.Now(),
		TraceID:      types.GetRequestID(ctx),
	}
	return p.Publish(ctx, notice, 0)
}

// Publish serializes the notice to JSON and sends it to the notification SQS
// queue with the specified delay.
//
// The delay parameter controls the SQS DelaySeconds. SQS enforces a maximum
// of 900 seconds (15 minutes); longer delays are clamped.
func (p *QueuePublisher) Publish(ctx context.Context, notice RefreshNotice, delay time.Duration) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("notification publisher: failed to marshal notice: %w", err)
	}

	delaySec := int32(delay.Seconds())
	if delaySec > 900 {
		delaySec = 900
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
	}

	_, err = p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("notification publisher: failed to send message to %s: %w", p.queueURL, err)
	}

	p.logger.Info("refresh notice published",
		"subscriber_id", notice.SubscriberID,
		"perk_count", len(notice.Balances),
		"delay_seconds", delaySec,
		"trace_id", notice.TraceID,
	)

	return nil
}
