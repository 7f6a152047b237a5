// Package sqspoll consumes Auto Scaling notifications from an SQS queue
// subscribed to the notification topic.
package sqspoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/yairfalse/asgdns/internal/awsapi"
	"github.com/yairfalse/asgdns/internal/hostname"
	"github.com/yairfalse/asgdns/internal/lifecycle"
)

// receiveErrorPause is how long the loop waits after a failed receive.
const receiveErrorPause = time.Second

// BatchHandler processes a batch of SNS records.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch events.SNSEvent) error
}

// Config holds poller settings.
type Config struct {
	QueueURL    string
	WaitSeconds int32
	MaxMessages int32
}

// Poller receives queue messages one receive call at a time and handles
// them sequentially.
type Poller struct {
	client    awsapi.SQSAPI
	processor BatchHandler
	cfg       Config
	logger    zerolog.Logger
}

// New creates a poller.
func New(client awsapi.SQSAPI, processor BatchHandler, cfg Config, logger zerolog.Logger) *Poller {
	return &Poller{
		client:    client,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With().Str("queue", cfg.QueueURL).Logger(),
	}
}

// Run polls until ctx is cancelled. A configuration error stops the loop
// and is returned.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Msg("start processing events")
	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("stop processing events")
			return nil
		}

		_, err := p.Poll(ctx)
		switch {
		case err == nil:
		case errors.Is(err, hostname.ErrNoToken):
			return err
		case ctx.Err() != nil:
			p.logger.Info().Msg("stop processing events")
			return nil
		default:
			p.logger.Error().Err(err).Msg("receive message error")
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorPause):
			}
		}
	}
}

// Poll runs one receive call and handles what it returns. It reports how
// many messages were handled and deleted.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.cfg.QueueURL),
		MaxNumberOfMessages: p.cfg.MaxMessages,
		WaitTimeSeconds:     p.cfg.WaitSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("receive message: %w", err)
	}

	handled := 0
	for _, m := range out.Messages {
		logger := p.logger.With().Str("message_id", aws.ToString(m.MessageId)).Logger()
		logger.Debug().Str("body", aws.ToString(m.Body)).Msg("got message")

		if err := p.processor.HandleBatch(ctx, toEvent(m)); err != nil {
			if errors.Is(err, hostname.ErrNoToken) {
				return handled, err
			}
			// Left on the queue; SQS redelivers after the visibility timeout.
			logger.Error().Err(err).Msg("failed to process message")
			continue
		}

		if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(p.cfg.QueueURL),
			ReceiptHandle: m.ReceiptHandle,
		}); err != nil {
			logger.Error().Err(err).Msg("failed to delete message")
			continue
		}
		handled++
	}
	return handled, nil
}

type envelope struct {
	Type      string
	MessageID string `json:"MessageId"`
	TopicArn  string
	Message   string
}

// toEvent unwraps an SNS envelope, or treats the body as the raw
// lifecycle message when the subscription uses raw delivery.
func toEvent(m sqstypes.Message) events.SNSEvent {
	body := aws.ToString(m.Body)
	record := lifecycle.NewRecord(aws.ToString(m.MessageId), "", body)

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "Notification" && env.Message != "" {
		record = lifecycle.NewRecord(env.MessageID, env.TopicArn, env.Message)
	}
	return events.SNSEvent{Records: []events.SNSEventRecord{record}}
}
