package metrics

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"quoteflow/config"
	"quoteflow/logger"
)

const (
	cloudWatchBatchSize     = 500
	cloudWatchQueueSize     = 4096
	cloudWatchFlushInterval = 30 * time.Second
)

// metricPublisher is the subset of the CloudWatch client used here.
type metricPublisher interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type cloudWatchState struct {
	client    metricPublisher
	namespace string
	queue     chan cwtypes.MetricDatum
	dropped   atomic.Uint64
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch creates the CloudWatch client and starts the background
// flusher. Publishing stays disabled when AWS configuration cannot be loaded.
func InitCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) {
	log := logger.GetLogger().WithComponent("cloudwatch")
	if !cfg.Enabled {
		return
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "QuoteFlow"
	}
	state := startCloudWatch(ctx, cloudwatch.NewFromConfig(awsCfg), namespace, cloudWatchFlushInterval)

	log.WithFields(logger.Fields{"region": awsCfg.Region, "namespace": state.namespace}).Info("initialized CloudWatch client")
}

func startCloudWatch(ctx context.Context, client metricPublisher, namespace string, interval time.Duration) *cloudWatchState {
	state := &cloudWatchState{
		client:    client,
		namespace: namespace,
		queue:     make(chan cwtypes.MetricDatum, cloudWatchQueueSize),
	}
	cwState.Store(state)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				flushCloudWatch(context.Background(), state)
				cwState.CompareAndSwap(state, nil)
				return
			case <-ticker.C:
				flushCloudWatch(ctx, state)
			}
		}
	}()
	return state
}

func publishDatum(m Metric, value float64) {
	state := cwState.Load()
	if state == nil {
		return
	}

	unit := cwtypes.StandardUnitCount
	if raw, ok := m.Fields["unit"].(string); ok {
		unit = unitFromString(raw)
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	enqueueDatum(state, cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Timestamp:  aws.Time(m.Timestamp),
		Unit:       unit,
		Value:      aws.Float64(value),
	})
}

func enqueueDatum(state *cloudWatchState, datum cwtypes.MetricDatum) {
	select {
	case state.queue <- datum:
	default:
		state.dropped.Add(1)
	}
}

func flushCloudWatch(ctx context.Context, state *cloudWatchState) {
	for {
		batch := make([]cwtypes.MetricDatum, 0, cloudWatchBatchSize)
	fill:
		for len(batch) < cloudWatchBatchSize {
			select {
			case d := <-state.queue:
				batch = append(batch, d)
			default:
				break fill
			}
		}
		if len(batch) == 0 {
			return
		}

		if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(state.namespace),
			MetricData: batch,
		}); err != nil {
			logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
		logger.GetLogger().WithComponent("cloudwatch").WithField("count", len(batch)).Debug("published metrics to CloudWatch")
	}
}

func unitFromString(unit string) cwtypes.StandardUnit {
	switch strings.ToLower(unit) {
	case "percent":
		return cwtypes.StandardUnitPercent
	case "bytes":
		return cwtypes.StandardUnitBytes
	case "megabytes":
		return cwtypes.StandardUnitMegabytes
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds
	default:
		return cwtypes.StandardUnitCount
	}
}
