package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var invokeFile string

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Process an SNS event JSON read from stdin",
	Long: `Process one SNS event, in the shape Lambda receives it, read from stdin
or from --file. Any failure exits with status 1.`,
	Example: `  asgdns invoke < event.json
  asgdns invoke --file event.json --use-public-ip`,
	RunE: runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)
	invokeCmd.Flags().StringVarP(&invokeFile, "file", "f", "", "Read the event from a file instead of stdin")
}

func runInvoke(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Manual runs default to readable output.
	if !cmd.Flags().Changed("config") && configPath == "" {
		cfg.Log.Format = "console"
	}

	in := cmd.InOrStdin()
	if invokeFile != "" {
		f, err := os.Open(invokeFile) // #nosec G304 -- path is intentional user input
		if err != nil {
			return fmt.Errorf("open event file: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return invoke(cmd.Context(), in, a.processor, a.logger)
}

func invoke(ctx context.Context, in io.Reader, h batchHandler, logger zerolog.Logger) error {
	event, err := decodeEvent(in)
	if err != nil {
		return err
	}
	return handleEvent(ctx, h, event, logger)
}

func decodeEvent(in io.Reader) (events.SNSEvent, error) {
	var event events.SNSEvent
	if err := json.NewDecoder(in).Decode(&event); err != nil {
		return event, fmt.Errorf("decode sns event: %w", err)
	}
	return event, nil
}
