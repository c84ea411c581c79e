// Package cloudwatch emits application metrics to CloudWatch. Emission is
// fire-and-forget: it never blocks and never fails the caller's operation.
package cloudwatch

import (
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
)

// Config holds CloudWatch emitter configuration.
type Config struct {
	Namespace string
	Region    string
	// Endpoint overrides the API endpoint, for LocalStack-style setups.
	Endpoint string
}

// Emitter publishes metric datapoints asynchronously.
type Emitter struct {
	cw        *cloudwatch.CloudWatch
	namespace string
	logger    *slog.Logger
}

// New creates a CloudWatch metrics emitter.
func New(cfg *Config, logger *slog.Logger) (*Emitter, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}

	return &Emitter{
		cw:        cloudwatch.New(sess),
		namespace: cfg.Namespace,
		logger:    logger,
	}, nil
}

// Emit publishes one datapoint in the background. Failures are logged and
// otherwise swallowed.
func (e *Emitter) Emit(name string, value float64, unit string) {
	datum := &cloudwatch.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       aws.String(unit),
		Timestamp:  aws.Time(time.Now().UTC()),
	}

	go func() {
		_, err := e.cw.PutMetricData(&cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(e.namespace),
			MetricData: []*cloudwatch.MetricDatum{datum},
		})
		if err != nil {
			e.logger.Warn("Failed to emit metric",
				slog.String("metric", name),
				slog.Any("error", err),
			)
		}
	}()
}
