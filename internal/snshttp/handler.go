// Package snshttp receives Auto Scaling notifications from an SNS HTTP(S) subscription.
package snshttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"

	"github.com/yairfalse/asgdns/internal/awsapi"
	"github.com/yairfalse/asgdns/internal/hostname"
	"github.com/yairfalse/asgdns/internal/lifecycle"
)

// SNS message types, also sent in the x-amz-sns-message-type header.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

const maxBodyBytes = 256 * 1024

// Message is the JSON document SNS POSTs to an HTTP endpoint.
type Message struct {
	Type             string
	MessageID        string `json:"MessageId"`
	Token            string `json:",omitempty"`
	TopicARN         string `json:"TopicArn"`
	Subject          string `json:",omitempty"`
	Message          string
	Timestamp        string
	SignatureVersion string
	Signature        string
	SigningCertURL   string
	SubscribeURL     string `json:",omitempty"`
	UnsubscribeURL   string `json:",omitempty"`
}

// BatchHandler processes a batch of SNS records.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch events.SNSEvent) error
}

// Handler serves the SNS delivery endpoint. Every message must pass the
// verifier before the topic allowlist is consulted.
type Handler struct {
	processor BatchHandler
	snsClient awsapi.SNSAPI
	verifier  Verifier
	topics    []string
	logger    zerolog.Logger
}

// NewHandler creates a handler. An empty topics list accepts every topic
// whose messages verify.
func NewHandler(processor BatchHandler, snsClient awsapi.SNSAPI, verifier Verifier, topics []string, logger zerolog.Logger) *Handler {
	return &Handler{
		processor: processor,
		snsClient: snsClient,
		verifier:  verifier,
		topics:    topics,
		logger:    logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn().Int64("limit", tooLarge.Limit).Msg("sns payload too large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		h.logger.Warn().Err(err).Msg("invalid sns payload")
		http.Error(w, "invalid sns payload", http.StatusBadRequest)
		return
	}
	if msg.Type == "" {
		msg.Type = r.Header.Get("x-amz-sns-message-type")
	}

	ctx := r.Context()

	if err := h.verifier.Verify(ctx, msg); err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.TopicARN).Str("message_id", msg.MessageID).Msg("rejecting unverified message")
		http.Error(w, "signature verification failed", http.StatusForbidden)
		return
	}

	if !h.allowed(msg.TopicARN) {
		h.logger.Warn().Str("topic", msg.TopicARN).Msg("rejecting message from unknown topic")
		http.Error(w, "topic not allowed", http.StatusForbidden)
		return
	}

	logger := h.logger.With().Str("type", msg.Type).Str("message_id", msg.MessageID).Logger()

	switch msg.Type {
	case TypeSubscriptionConfirmation:
		if err := h.confirm(ctx, msg); err != nil {
			logger.Error().Ctx(ctx).Err(err).Msg("subscription confirmation failed")
			http.Error(w, "confirmation failed", http.StatusBadGateway)
			return
		}
		logger.Info().Ctx(ctx).Str("topic", msg.TopicARN).Msg("subscription confirmed")
	case TypeNotification:
		if err := h.processor.HandleBatch(ctx, toEvent(msg)); err != nil {
			if errors.Is(err, hostname.ErrNoToken) {
				logger.Error().Ctx(ctx).Err(err).Msg("configuration error")
			} else {
				logger.Error().Ctx(ctx).Err(err).Msg("notification failed")
			}
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}
	case TypeUnsubscribeConfirmation:
		logger.Info().Ctx(ctx).Str("topic", msg.TopicARN).Msg("unsubscribed")
	default:
		logger.Warn().Ctx(ctx).Msg("no handler available for message type")
		http.Error(w, "unsupported message type", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) allowed(topic string) bool {
	return len(h.topics) == 0 || slices.Contains(h.topics, topic)
}

func (h *Handler) confirm(ctx context.Context, msg Message) error {
	_, err := h.snsClient.ConfirmSubscription(ctx, &sns.ConfirmSubscriptionInput{
		TopicArn: aws.String(msg.TopicARN),
		Token:    aws.String(msg.Token),
	})
	return err
}

func toEvent(msg Message) events.SNSEvent {
	record := lifecycle.NewRecord(msg.MessageID, msg.TopicARN, msg.Message)
	record.SNS.Subject = msg.Subject
	return events.SNSEvent{Records: []events.SNSEventRecord{record}}
}
