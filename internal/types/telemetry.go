package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricRefreshApplied   = "RefreshApplied"
	MetricRefreshNoOp      = "RefreshNoOp"
	MetricRefreshWarning   = "RefreshWarning"
	MetricConsumeDenied    = "ConsumeDenied"
	MetricPortFailure      = "PortFailure"
	MetricSweepProcessed   = "SweepProcessed"
	MetricSweepFailed      = "SweepFailed"
	MetricAPILatency       = "APILatency"
	MetricAPIRequestCount  = "APIRequestCount"
	MetricAuditArchived    = "AuditArchived"

	// Dimension Keys
	DimTier     = "Tier"
	DimPerk     = "Perk"
	DimPort     = "Port"
	DimEndpoint = "Endpoint"
	DimResult   = "Result"

	// Metric Namespace
	MetricNamespace = "PerkLedger"
)
