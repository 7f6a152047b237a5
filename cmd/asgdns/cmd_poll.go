package main

import (
	"context"
	"errors"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/yairfalse/asgdns/internal/sqspoll"
)

var pollQueueURL string

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Consume lifecycle notifications from an SQS queue",
	Long: `Long-poll an SQS queue subscribed to the ASG notification topic.

Messages are deleted only after they were processed successfully; failed
messages become visible again after the queue's visibility timeout. A hostname
pattern without a recognised token stops the poller with exit code 1.`,
	Example: `  asgdns poll --queue-url https://sqs.us-east-1.amazonaws.com/123456789012/asg-events`,
	RunE:    runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().StringVar(&pollQueueURL, "queue-url", "", "SQS queue URL (overrides poll.queue_url)")
}

func runPoll(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if pollQueueURL != "" {
		cfg.Poll.QueueURL = pollQueueURL
	}
	if cfg.Poll.QueueURL == "" {
		return errors.New("poll: queue url is required (--queue-url or poll.queue_url)")
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	poller := sqspoll.New(a.clients.SQS, a.processor, sqspoll.Config{
		QueueURL:    cfg.Poll.QueueURL,
		WaitSeconds: cfg.Poll.WaitSeconds,
		MaxMessages: cfg.Poll.MaxMessages,
	}, a.logger)

	ctx, cancel := context.WithCancel(context.Background())
	var g run.Group
	g.Add(func() error {
		return poller.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	return runGroup(&g)
}
