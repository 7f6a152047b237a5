// Package awsapi builds the AWS clients asgdns talks to.
package awsapi

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"
)

// Clients holds one client per AWS service (interfaces for testability).
// Built once per process and shared by every invocation.
type Clients struct {
	EC2         EC2API
	AutoScaling AutoScalingAPI
	Route53     Route53API
	SNS         SNSAPI
	SQS         SQSAPI
}

// Config holds AWS client settings.
type Config struct {
	Region  string
	Profile string
}

// New loads the default AWS config chain and creates the service clients.
func New(ctx context.Context, cfg Config) (*Clients, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	log.Debug().Str("region", awsCfg.Region).Msg("aws clients configured")

	return FromConfig(awsCfg), nil
}

// FromConfig creates the service clients from an already loaded config.
func FromConfig(awsCfg aws.Config) *Clients {
	return &Clients{
		EC2:         ec2.NewFromConfig(awsCfg),
		AutoScaling: autoscaling.NewFromConfig(awsCfg),
		// Route53 is a global service.
		Route53: route53.NewFromConfig(awsCfg),
		SNS:     sns.NewFromConfig(awsCfg),
		SQS:     sqs.NewFromConfig(awsCfg),
	}
}
