package main

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/asgdns/internal/hostname"
)

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as an AWS Lambda handler for SNS events",
	Long: `Run as an AWS Lambda handler subscribed to the ASG notification topic.

Clients are created once per execution environment and reused across
invocations. A hostname pattern without a recognised token terminates the
process with exit code 1.`,
	RunE: runLambda,
}

func init() {
	rootCmd.AddCommand(lambdaCmd)
}

func runLambda(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	lambda.Start(newLambdaHandler(a.processor, a.telemetry, a.logger))
	return nil
}

// exitFunc ends the process on configuration errors.
var exitFunc = os.Exit

type flusher interface {
	ForceFlush(ctx context.Context) error
}

func newLambdaHandler(h batchHandler, tp flusher, base zerolog.Logger) func(context.Context, events.SNSEvent) error {
	return func(ctx context.Context, event events.SNSEvent) error {
		logger := base
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			logger = logger.With().Str("aws_request_id", lc.AwsRequestID).Logger()
		}

		err := handleEvent(ctx, h, event, logger)

		if ferr := tp.ForceFlush(ctx); ferr != nil {
			logger.Warn().Err(ferr).Msg("telemetry flush")
		}

		if errors.Is(err, hostname.ErrNoToken) {
			logger.Error().Err(err).Msg("invalid hostname pattern, exiting")
			exitFunc(1)
		}
		return err
	}
}

func handleEvent(ctx context.Context, h batchHandler, event events.SNSEvent, logger zerolog.Logger) error {
	logger.Info().Ctx(ctx).Int("records", len(event.Records)).Msg("invocation started")
	if err := h.HandleBatch(ctx, event); err != nil {
		logger.Error().Ctx(ctx).Err(err).Msg("invocation failed")
		return err
	}
	logger.Info().Ctx(ctx).Msg("invocation complete")
	return nil
}

type batchHandler interface {
	HandleBatch(ctx context.Context, batch events.SNSEvent) error
}
