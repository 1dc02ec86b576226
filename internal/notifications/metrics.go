package notifications

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"perkledger/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics is the operational metrics surface for the refresh lifecycle. All
// methods are fire-and-forget: emission failures are logged, never returned.
type Metrics interface {
	// RecordRefresh emits a refresh outcome with the subscriber's tier.
	RecordRefresh(ctx context.Context, kind types.RefreshKind, tier types.TierID)

	// RecordConsumeDenied emits a denied consumption attempt.
	RecordConsumeDenied(ctx context.Context, tier types.TierID, perk types.PerkType)

	// RecordPortFailure emits a post-commit port failure (billing or notification).
	RecordPortFailure(ctx context.Context, port string)

	// RecordRefreshWarning emits a non-port warning raised during a refresh,
	// such as a stale perk balance retained across a tier change.
	RecordRefreshWarning(ctx context.Context, code types.ErrorCode)

	// RecordSweep emits processed/failed counts for one sweep batch.
	RecordSweep(ctx context.Context, processed int, failed int)

	// RecordAuditArchived emits the number of audit entries moved to cold storage.
	RecordAuditArchived(ctx context.Context, count int)
}

// CloudWatchMetrics implements Metrics by emitting to AWS CloudWatch under
// the configured namespace.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the given
// namespace. An empty namespace falls back to types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchMetrics) RecordRefresh(ctx context.Context, kind types.RefreshKind, tier types.TierID) {
	name := types.MetricRefreshApplied
	if kind == types.RefreshNoOp {
		name = types.MetricRefreshNoOp
	}
	m.put(ctx, name, 1, cwtypes.StandardUnitCount, []cwtypes.Dimension{
		{Name: aws.String(types.DimTier), Value: aws.String(string(tier))},
	})
}

func (m *CloudWatchMetrics) RecordConsumeDenied(ctx context.Context, tier types.TierID, perk types.PerkType) {
	m.put(ctx, types.MetricConsumeDenied, 1, cwtypes.StandardUnitCount, []cwtypes.Dimension{
		{Name: aws.String(types.DimTier), Value: aws.String(string(tier))},
		{Name: aws.String(types.DimPerk), Value: aws.String(string(perk))},
	})
}

func (m *CloudWatchMetrics) RecordPortFailure(ctx context.Context, port string) {
	m.put(ctx, types.MetricPortFailure, 1, cwtypes.StandardUnitCount, []cwtypes.Dimension{
		{Name: aws.String(types.DimPort), Value: aws.String(port)},
	})
}

func (m *CloudWatchMetrics) RecordRefreshWarning(ctx context.Context, code types.ErrorCode) {
	m.put(ctx, types.MetricRefreshWarning, 1, cwtypes.StandardUnitCount, []cwtypes.Dimension{
		{Name: aws.String(types.DimResult), Value: aws.String(string(code))},
	})
}

func (m *CloudWatchMetrics) RecordSweep(ctx context.Context, processed int, failed int) {
	m.put(ctx, types.MetricSweepProcessed, float64(processed), cwtypes.StandardUnitCount, nil)
	if failed > 0 {
		m.put(ctx, types.MetricSweepFailed, float64(failed), cwtypes.StandardUnitCount, nil)
	}
}

func (m *CloudWatchMetrics) RecordAuditArchived(ctx context.Context, count int) {
	m.put(ctx, types.MetricAuditArchived, float64(count), cwtypes.StandardUnitCount, nil)
}

// RecordRequest emits API latency and request count for one handled request.
// Not part of the Metrics interface; the HTTP chassis consumes it through its
// own narrower collector interface.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx := context.Background()
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimEndpoint), Value: aws.String(method + " " + endpoint)},
		{Name: aws.String(types.DimResult), Value: aws.String(status)},
	}
	m.put(ctx, types.MetricAPILatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims)
	m.put(ctx, types.MetricAPIRequestCount, 1, cwtypes.StandardUnitCount, dims)
}

// put emits a single metric datum. Failures are logged and swallowed.
func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims []cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to emit metric",
			"error", err.Error(),
			"metric", name,
		)
	}
}

// NoopMetrics implements Metrics by dropping everything. Used in local mode
// and tests where no CloudWatch endpoint is available.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (NoopMetrics) RecordRefresh(context.Context, types.RefreshKind, types.TierID)    {}
func (NoopMetrics) RecordConsumeDenied(context.Context, types.TierID, types.PerkType) {}
func (NoopMetrics) RecordPortFailure(context.Context, string)                         {}
func (NoopMetrics) RecordRefreshWarning(context.Context, types.ErrorCode)             {}
func (NoopMetrics) RecordSweep(context.Context, int, int)                             {}
func (NoopMetrics) RecordAuditArchived(context.Context, int)                          {}
func (NoopMetrics) RecordRequest(method, endpoint, status string, d time.Duration)    {}
