// Package processor keeps Route53 A records in line with Auto Scaling lifecycle transitions.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yairfalse/asgdns/internal/awsapi"
	"github.com/yairfalse/asgdns/internal/config"
	"github.com/yairfalse/asgdns/internal/lifecycle"
)

// LifecycleActionContinue is the result sent when completing a lifecycle action.
const LifecycleActionContinue = "CONTINUE"

// Lookup misses. AWS errors are wrapped and returned as-is.
var (
	ErrTagNotFound        = errors.New("hostname tag not found")
	ErrRecordNotFound     = errors.New("dns record not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrNoAddress          = errors.New("instance has no address of the requested kind")
	ErrGroupNotFound      = errors.New("auto scaling group not found")
	ErrInstanceNotInGroup = errors.New("instance not in auto scaling group")
)

// Telemetry is the instrumentation the processor reports to.
type Telemetry interface {
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
	RecordMessage(ctx context.Context, transition, result string, d time.Duration)
	RecordDNSChange(ctx context.Context, operation string)
	RecordCompletion(ctx context.Context, result string)
}

// Processor handles lifecycle notifications. It holds no per-message state
// and is safe to share between invocations.
type Processor struct {
	ec2Client   awsapi.EC2API
	asgClient   awsapi.AutoScalingAPI
	dnsClient   awsapi.Route53API
	usePublicIP bool
	tagKey      string
	logger      zerolog.Logger
	telemetry   Telemetry
}

// Option configures a Processor.
type Option func(*Processor)

// WithPublicIP selects the public instance address for UPSERTs.
func WithPublicIP(v bool) Option {
	return func(p *Processor) { p.usePublicIP = v }
}

// WithTagKey overrides the ASG tag holding the hostname metadata.
func WithTagKey(key string) Option {
	return func(p *Processor) {
		if key != "" {
			p.tagKey = key
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithTelemetry sets the span and metrics sink.
func WithTelemetry(t Telemetry) Option {
	return func(p *Processor) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// New creates a processor from the shared AWS clients.
func New(clients *awsapi.Clients, opts ...Option) *Processor {
	p := &Processor{
		ec2Client: clients.EC2,
		asgClient: clients.AutoScaling,
		dnsClient: clients.Route53,
		tagKey:    config.DefaultTagKey,
		logger:    zerolog.Nop(),
		telemetry: nopTelemetry{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleBatch processes every record in order and then completes the
// lifecycle action of the last record. The first failing record aborts the batch.
func (p *Processor) HandleBatch(ctx context.Context, batch events.SNSEvent) error {
	p.logger.Info().Ctx(ctx).Int("records", len(batch.Records)).Msg("processing sns event")

	for i, record := range batch.Records {
		if err := p.ProcessRecord(ctx, record); err != nil {
			return fmt.Errorf("record %d (%s): %w", i, record.SNS.MessageID, err)
		}
	}

	return p.completeLastAction(ctx, batch.Records)
}

// ProcessRecord decodes the message embedded in an SNS record and processes it.
func (p *Processor) ProcessRecord(ctx context.Context, record events.SNSEventRecord) error {
	msg, err := lifecycle.FromRecord(record)
	if err != nil {
		return err
	}
	return p.ProcessMessage(ctx, msg)
}

// ProcessMessage applies the DNS change for one lifecycle message.
// Informational events are logged and skipped.
func (p *Processor) ProcessMessage(ctx context.Context, msg lifecycle.Message) (err error) {
	if !msg.IsLifecycle() {
		p.logger.Info().Ctx(ctx).Str("event", msg.Event).Msg("skipping informational event")
		return nil
	}

	start := time.Now()
	ctx, span := p.telemetry.StartSpan(ctx, "process_message",
		attribute.String("transition", string(msg.LifecycleTransition)),
		attribute.String("asg", msg.AutoScalingGroupName),
		attribute.String("instance_id", msg.EC2InstanceID),
	)
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
		}
		p.telemetry.RecordMessage(ctx, msg.LifecycleTransition.MetricLabel(), result, time.Since(start))
		span.End()
	}()

	logger := p.logger.With().
		Str("asg", msg.AutoScalingGroupName).
		Str("instance_id", msg.EC2InstanceID).
		Logger()
	logger.Info().Ctx(ctx).Str("transition", string(msg.LifecycleTransition)).Msg("processing lifecycle event")

	op, err := msg.LifecycleTransition.Operation()
	if err != nil {
		logger.Error().Ctx(ctx).Err(err).Msg("unknown event type")
		return err
	}

	md, err := p.FetchTagMetadata(ctx, msg.AutoScalingGroupName)
	if err != nil {
		return err
	}

	hostname, err := p.BuildHostname(ctx, md.Pattern, msg.EC2InstanceID, msg.AutoScalingGroupName)
	if err != nil {
		return err
	}

	var ip string
	switch op {
	case lifecycle.OperationUpsert:
		ip, err = p.FetchIPFromCompute(ctx, msg.EC2InstanceID)
		if err != nil {
			return err
		}
		if err := p.UpdateNameTag(ctx, msg.EC2InstanceID, hostname); err != nil {
			return err
		}
	case lifecycle.OperationDelete:
		// DELETE must carry the value currently stored.
		ip, err = p.FetchIPFromDNS(ctx, hostname, md.ZoneID)
		if err != nil {
			return err
		}
	}

	return p.UpdateDNSRecord(ctx, md.ZoneID, ip, hostname, op)
}

// completeLastAction completes the lifecycle action named by the last
// record of the batch. Earlier records are not completed.
func (p *Processor) completeLastAction(ctx context.Context, records []events.SNSEventRecord) error {
	if len(records) == 0 {
		p.logger.Error().Ctx(ctx).Msg("no valid JSON message: empty batch")
		return nil
	}

	msg, err := lifecycle.FromRecord(records[len(records)-1])
	if err != nil || !msg.CanComplete() {
		p.logger.Error().Ctx(ctx).Err(err).Msg("no valid JSON message: lifecycle hook or group missing")
		return nil
	}

	p.logger.Info().Ctx(ctx).
		Str("hook", msg.LifecycleHookName).
		Str("asg", msg.AutoScalingGroupName).
		Str("instance_id", msg.EC2InstanceID).
		Msg("finishing asg action")

	_, err = p.asgClient.CompleteLifecycleAction(ctx, &autoscaling.CompleteLifecycleActionInput{
		LifecycleHookName:     aws.String(msg.LifecycleHookName),
		AutoScalingGroupName:  aws.String(msg.AutoScalingGroupName),
		InstanceId:            aws.String(msg.EC2InstanceID),
		LifecycleActionToken:  aws.String(msg.LifecycleActionToken),
		LifecycleActionResult: aws.String(LifecycleActionContinue),
	})
	if err != nil {
		p.telemetry.RecordCompletion(ctx, "error")
		return fmt.Errorf("complete lifecycle action: %w", err)
	}

	p.telemetry.RecordCompletion(ctx, "ok")
	p.logger.Info().Ctx(ctx).Str("hook", msg.LifecycleHookName).Msg("asg action complete")
	return nil
}

type nopTelemetry struct{}

func (nopTelemetry) StartSpan(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, trace.Span) {
	return noop.NewTracerProvider().Tracer("").Start(ctx, name)
}

func (nopTelemetry) RecordMessage(context.Context, string, string, time.Duration) {}
func (nopTelemetry) RecordDNSChange(context.Context, string)                      {}
func (nopTelemetry) RecordCompletion(context.Context, string)                     {}
