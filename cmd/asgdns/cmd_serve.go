package main

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/asgdns/internal/snshttp"
)

var (
	serveListen string
	serveTopics []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive SNS notifications over HTTP",
	Long: `Run an HTTP endpoint for an SNS HTTP(S) subscription.

Routes:
- POST /sns      subscription confirmations and notifications
- GET  /metrics  Prometheus metrics
- GET  /healthz  liveness

Graceful shutdown on SIGTERM/SIGINT.`,
	Example: `  asgdns serve
  asgdns serve --listen :9000 --topic-arn arn:aws:sns:us-east-1:123456789012:asg-events`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides serve.listen)")
	serveCmd.Flags().StringSliceVar(&serveTopics, "topic-arn", nil, "Accepted SNS topic ARNs (repeatable)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Serve.Listen = serveListen
	}
	if len(serveTopics) > 0 {
		cfg.Serve.TopicARNs = serveTopics
	}
	cfg.OTEL.Metrics.Prometheus = true

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	handler := snshttp.NewHandler(a.processor, a.clients.SNS, snshttp.NewSignatureVerifier(), cfg.Serve.TopicARNs, a.logger)
	srv := snshttp.NewServer(snshttp.ServerConfig{
		Addr:         cfg.Serve.Listen,
		ReadTimeout:  cfg.Serve.ReadTimeout,
		WriteTimeout: cfg.Serve.WriteTimeout,
	}, snshttp.NewMux(handler, a.telemetry.Handler()))

	var g run.Group
	g.Add(srv.Run, srv.Shutdown)
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	return runGroup(&g)
}

// runGroup treats a signal as a clean stop.
func runGroup(g *run.Group) error {
	err := g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
