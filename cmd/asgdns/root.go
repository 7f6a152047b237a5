package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/asgdns/internal/awsapi"
	"github.com/yairfalse/asgdns/internal/config"
	"github.com/yairfalse/asgdns/internal/processor"
	"github.com/yairfalse/asgdns/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath  string
	region      string
	debug       bool
	usePublicIP bool

	rootCmd = &cobra.Command{
		Use:   "asgdns",
		Short: "Route53 records for Auto Scaling Group instances",
		Long: `asgdns - Route53 records for Auto Scaling Group instances

asgdns reacts to Auto Scaling lifecycle notifications delivered through SNS.
On launch it upserts an A record named after the ASG hostname pattern tag
(asg:hostname_pattern = "<pattern>@<zone id>") and sets the instance Name tag.
On terminate it deletes the record. The lifecycle action is then completed.

Without a subcommand asgdns runs as a Lambda handler inside AWS Lambda and
reads an SNS event from stdin everywhere else.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runningInLambda() {
				return runLambda(cmd, args)
			}
			return runInvoke(cmd, args)
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("asgdns failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`asgdns {{.Version}}
`)
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath), "Path to YAML config file")
	flags.StringVar(&region, "region", "", "AWS region (defaults to the AWS config chain)")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&usePublicIP, "use-public-ip", false, "Register public instead of private instance addresses")
}

func runningInLambda() bool {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""
}

// app is the process-wide state shared by every invocation.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Provider
	clients   *awsapi.Clients
	processor *processor.Processor
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if region != "" {
		cfg.AWS.Region = region
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if cmd.Flags().Changed("use-public-ip") {
		cfg.DNS.UsePublicIP = usePublicIP
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := telemetry.NewLogger(cfg.OTEL.ServiceName, cfg.Log.Level, cfg.Log.Format)
	log.Logger = logger

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	clients, err := awsapi.New(ctx, awsapi.Config{Region: cfg.AWS.Region, Profile: cfg.AWS.Profile})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	proc := processor.New(clients,
		processor.WithPublicIP(cfg.DNS.UsePublicIP),
		processor.WithTagKey(cfg.DNS.TagKey),
		processor.WithLogger(logger),
		processor.WithTelemetry(tp),
	)

	logger.Debug().
		Str("region", cfg.AWS.Region).
		Bool("use_public_ip", cfg.DNS.UsePublicIP).
		Str("tag_key", cfg.DNS.TagKey).
		Msg("asgdns configured")

	return &app{cfg: cfg, logger: logger, telemetry: tp, clients: clients, processor: proc}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("telemetry shutdown")
	}
}
