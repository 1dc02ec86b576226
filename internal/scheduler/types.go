// Package scheduler implements the scheduled jobs for the PerkLedger service:
// the monthly refresh sweep and audit retention maintenance.
//
// The MaintenancePayload is the JSON structure sent by EventBridge rules to
// the refresher Lambda. The TaskType constant determines which service method
// handles the request.
package scheduler

import "time"

// TaskType identifies which maintenance service should handle an EventBridge event.
type TaskType string

const (
	// TaskRefreshSweep walks all ledgers due for a refresh in the current
	// calendar month and evaluates them.
	TaskRefreshSweep TaskType = "refresh_sweep"

	// TaskArchiveAudit compresses expired audit entries to object storage and
	// deletes them from the hot table.
	TaskArchiveAudit TaskType = "archive_audit"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the refresher
// Lambda function. It identifies the task to execute and optionally overrides
// the reference time for manual invocation or backfilling.
//
//	{
//	  "task": "refresh_sweep",
//	  "reference_time": "2026-03-01T00:05:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now" for
	// deterministic execution and backfilling. If nil, the service clock is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
