/*
Package audit implements the append-only, tamper-evident audit trail every
mutating core operation writes to in the same Store transaction as the
state change it describes (I15).
*/
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/cash-wire/core"
)

// redactedValue replaces a sensitive field's value before persistence.
const redactedValue = "***ENCRYPTED***"

// sensitiveKeys is the fixed, enumerated set of keys whose values must
// never reach storage in the clear (§4.4).
var sensitiveKeys = map[string]bool{
	"account_number": true,
	"routing_number": true,
	"ssn":            true,
	"tax_id":         true,
	"password":       true,
	"secret":         true,
	"private_key":    true,
	"token":          true,
}

// Log is the AuditLog component.
type Log struct {
	store core.Store
	clock core.Clock
	ids   core.IdGen
	log   zerolog.Logger
}

// New builds a Log.
func New(store core.Store, clock core.Clock, ids core.IdGen, log zerolog.Logger) *Log {
	return &Log{store: store, clock: clock, ids: ids, log: log.With().Str("component", "audit").Logger()}
}

// Append writes one AuditEntry using tx, the Store bound to the caller's
// enclosing transaction — callers MUST invoke Append only from inside their
// own store.WithTx block so the entry commits atomically with the state
// change it describes (I15). actorUserID from opCtx is empty for system
// events (e.g. ExpireDue, CleanupOlderThan).
func (l *Log) Append(ctx context.Context, tx core.Store, opCtx core.OperationContext, actionType, entityType, entityID string, oldValues, newValues map[string]any) error {
	entry := core.AuditEntry{
		EntryID:    l.ids.New(),
		UserID:     opCtx.ActorUserID,
		ActionType: actionType,
		EntityType: entityType,
		EntityID:   entityID,
		OldValues:  redact(oldValues),
		NewValues:  redact(newValues),
		IPAddress:  opCtx.IPAddress,
		UserAgent:  opCtx.UserAgent,
		CreatedAt:  l.clock.Now(),
	}
	if err := tx.InsertAuditEntry(ctx, entry); err != nil {
		return core.Wrap(core.CodeStoreTimeout, "append audit entry", err)
	}
	l.log.Debug().Str("action_type", actionType).Str("entity_type", entityType).Str("entity_id", entityID).Msg("audit entry appended")
	return nil
}

// redact returns a copy of values with every sensitive key's value replaced
// by redactedValue, recursing into nested maps so a sensitive field buried
// inside a structured payload is caught too.
func redact(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if sensitiveKeys[k] {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Query runs a structured read over the audit log; read-only.
func (l *Log) Query(ctx context.Context, filter core.AuditFilter) ([]core.AuditEntry, error) {
	entries, err := l.store.QueryAuditEntries(ctx, filter)
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "query audit entries", err)
	}
	return entries, nil
}

// CleanupOlderThan deletes entries older than days (default
// core.AuditRetentionDays when days<=0), in bounded chunks to avoid a
// single long-running delete. It is the only permitted delete path against
// the audit log (I14). Before the first chunk is deleted, a
// DATA_RETENTION_CLEANUP system entry is appended recording the cutoff —
// the log records its own pruning before it happens.
func (l *Log) CleanupOlderThan(ctx context.Context, days int) (deleted int, err error) {
	if days <= 0 {
		days = core.AuditRetentionDays
	}
	cutoff := l.clock.Now().AddDate(0, 0, -days)

	err = l.store.WithTx(ctx, func(tx core.Store) error {
		return l.Append(ctx, tx, core.System(), "DATA_RETENTION_CLEANUP", "AuditLog", "", nil, map[string]any{
			"cutoff": cutoff.Format(time.RFC3339), "retention_days": days,
		})
	})
	if err != nil {
		return 0, err
	}

	const chunkSize = 500
	for {
		n, delErr := l.store.DeleteAuditEntriesOlderThan(ctx, cutoff, chunkSize)
		if delErr != nil {
			return deleted, core.Wrap(core.CodeStoreTimeout, "delete audit entries", delErr)
		}
		deleted += n
		if n < chunkSize {
			break
		}
	}
	return deleted, nil
}

// Severity categorises an integrity finding.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Issue is one finding from VerifyIntegrity.
type Issue struct {
	Severity Severity
	EntryID  string
	Detail   string
}

// OverallStatus summarises an IntegrityReport.
type OverallStatus string

const (
	StatusHealthy  OverallStatus = "HEALTHY"
	StatusWarning  OverallStatus = "WARNING"
	StatusCritical OverallStatus = "CRITICAL"
)

// IntegrityReport is the result of VerifyIntegrity.
type IntegrityReport struct {
	Status       OverallStatus
	Issues       []Issue
	EntriesSeen  int
}

// VerifyIntegrity scans every entry and reports missing timestamps, missing
// action types, and orphaned user_id references. Payloads are not checked:
// an entry whose stored JSON payload does not decode is read with an empty
// payload and is not reported. Read-only. Overall status is HEALTHY at 0
// issues, WARNING under 10, CRITICAL at 10 or more.
func (l *Log) VerifyIntegrity(ctx context.Context, users core.UserDirectory) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	err := l.store.AllAuditEntries(ctx, func(e core.AuditEntry) error {
		report.EntriesSeen++
		if e.CreatedAt.IsZero() {
			report.Issues = append(report.Issues, Issue{Severity: SeverityHigh, EntryID: e.EntryID, Detail: "missing created_at"})
		}
		if e.ActionType == "" {
			report.Issues = append(report.Issues, Issue{Severity: SeverityHigh, EntryID: e.EntryID, Detail: "missing action_type"})
		}
		if e.UserID != "" && users != nil {
			info, err := users.Lookup(e.UserID)
			if err == nil && !info.Found {
				report.Issues = append(report.Issues, Issue{Severity: SeverityMedium, EntryID: e.EntryID, Detail: "orphaned user_id reference"})
			}
		}
		return nil
	})
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "scan audit entries", err)
	}

	switch {
	case len(report.Issues) == 0:
		report.Status = StatusHealthy
	case len(report.Issues) < 10:
		report.Status = StatusWarning
	default:
		report.Status = StatusCritical
	}
	return report, nil
}

// ReportKind selects what GenerateReport aggregates.
type ReportKind string

const (
	ReportComprehensive ReportKind = "COMPREHENSIVE"
	ReportTransactions  ReportKind = "TRANSACTIONS"
	ReportSecurity      ReportKind = "SECURITY"
	ReportUserActivity  ReportKind = "USER_ACTIVITY"
)

// Report is the read-only window aggregation produced by GenerateReport.
type Report struct {
	Kind           ReportKind
	Start, End     time.Time
	TotalEntries   int
	CountByAction  map[string]int
}

var securityActionTypes = map[string]bool{
	"TRANSACTION_FAILED":        true,
	"NOTIFICATION_FAILED":       true,
	"DATA_RETENTION_CLEANUP":    true,
}

// GenerateReport aggregates audit entries in [start, end] (both ends
// inclusive) by kind. COMPREHENSIVE includes every entry; TRANSACTIONS
// restricts to entries whose EntityType is "Transaction"; SECURITY restricts to failure/security
// related action types; USER_ACTIVITY restricts to entries with a non-empty
// UserID. Entirely read-only.
func (l *Log) GenerateReport(ctx context.Context, kind ReportKind, start, end time.Time) (*Report, error) {
	entries, err := l.store.QueryAuditEntries(ctx, core.AuditFilter{Since: &start, Until: &end, Limit: 1_000_000})
	if err != nil {
		return nil, core.Wrap(core.CodeStoreTimeout, "query audit entries", err)
	}
	report := &Report{Kind: kind, Start: start, End: end, CountByAction: map[string]int{}}
	for _, e := range entries {
		switch kind {
		case ReportTransactions:
			if e.EntityType != "Transaction" {
				continue
			}
		case ReportSecurity:
			if !securityActionTypes[e.ActionType] {
				continue
			}
		case ReportUserActivity:
			if e.UserID == "" {
				continue
			}
		}
		report.TotalEntries++
		report.CountByAction[e.ActionType]++
	}
	return report, nil
}
