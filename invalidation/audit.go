package invalidation

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"encore.dev/storage/sqldb"
	"github.com/cockroachdb/errors"

	events "rigup.app/pkg/pubsub"
	"rigup.app/pkg/utils"
)

// Invalidation kinds recorded in the audit trail.
const (
	KindTargets = "targets"
	KindKeys    = "keys"
	KindAll     = "all"
)

// AuditLog is one remote invalidation as recorded in the audit trail.
type AuditLog struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`         // targets, keys or all
	Targets     []string  `json:"targets"`      // Scopes invalidated (kind targets)
	Keys        []string  `json:"keys"`         // Keys or key patterns (kind keys)
	TriggeredBy string    `json:"triggered_by"` // Source: admin, importer, proxy
	Reason      string    `json:"reason"`       // Free text, optional
	Timestamp   time.Time `json:"timestamp"`    // When invalidation occurred
	RequestID   string    `json:"request_id"`   // Correlation ID for tracing
	Latency     int64     `json:"latency"`      // Publish latency in milliseconds

	Event *events.InvalidationEvent `json:"event,omitempty"` // Published payload
}

// AuditLogger provides persistent storage of invalidation events.
//
// Design decisions:
// - PostgreSQL, append-only; rows are removed only by Cleanup
// - Indexed by timestamp, kind and request_id (see migrations/)
// - JSONB for target and key lists and for the published event
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates an audit logger on db. The schema comes from the
// service migrations.
func NewAuditLogger(db *sqldb.Database) *AuditLogger {
	return &AuditLogger{db: db}
}

const auditColumns = `id, kind, targets, keys, triggered_by, reason, timestamp, request_id, latency_ms, event`

// Insert adds a new audit log entry. Duplicate request IDs are ignored.
//
// Complexity: O(1) with index overhead
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	targetsJSON, err := json.Marshal(nonNil(log.Targets))
	if err != nil {
		return errors.Wrap(err, "marshal targets")
	}
	keysJSON, err := json.Marshal(nonNil(log.Keys))
	if err != nil {
		return errors.Wrap(err, "marshal keys")
	}

	var eventJSON []byte
	if log.Event != nil {
		if eventJSON, err = utils.MarshalEvent(log.Event); err != nil {
			return errors.Wrap(err, "marshal event")
		}
	}

	_, err = al.db.Exec(ctx, `
		INSERT INTO request_invalidation_audit
		(kind, targets, keys, triggered_by, reason, timestamp, request_id, latency_ms, event)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
	`,
		log.Kind,
		targetsJSON,
		keysJSON,
		log.TriggeredBy,
		log.Reason,
		log.Timestamp,
		log.RequestID,
		log.Latency,
		eventJSON,
	)
	if err != nil {
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

// GetRecent retrieves recent audit logs with pagination, newest first.
// kindFilter restricts to one kind when non-empty.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, kindFilter string) ([]AuditLog, error) {
	var (
		rows *sqldb.Rows
		err  error
	)
	if kindFilter != "" {
		rows, err = al.db.Query(ctx, `
			SELECT `+auditColumns+`
			FROM request_invalidation_audit
			WHERE kind = $1
			ORDER BY timestamp DESC
			LIMIT $2 OFFSET $3
		`, kindFilter, limit, offset)
	} else {
		rows, err = al.db.Query(ctx, `
			SELECT `+auditColumns+`
			FROM request_invalidation_audit
			ORDER BY timestamp DESC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query audit logs")
	}
	return scanLogs(rows, limit)
}

// GetCount returns the number of audit logs, optionally of one kind.
func (al *AuditLogger) GetCount(ctx context.Context, kindFilter string) (int, error) {
	var count int
	var err error
	if kindFilter != "" {
		err = al.db.QueryRow(ctx, `SELECT COUNT(*) FROM request_invalidation_audit WHERE kind = $1`, kindFilter).Scan(&count)
	} else {
		err = al.db.QueryRow(ctx, `SELECT COUNT(*) FROM request_invalidation_audit`).Scan(&count)
	}
	if err != nil {
		return 0, errors.Wrap(err, "count audit logs")
	}
	return count, nil
}

// GetByRequestID retrieves audit logs by request ID for tracing.
func (al *AuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	rows, err := al.db.Query(ctx, `
		SELECT `+auditColumns+`
		FROM request_invalidation_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "query audit logs by request id")
	}
	return scanLogs(rows, 1)
}

// AuditStats aggregates the audit trail since a point in time.
type AuditStats struct {
	TotalInvalidations int64            `json:"total_invalidations"`
	ByKind             map[string]int64 `json:"by_kind"`
	BySource           map[string]int64 `json:"by_source"`
	AvgLatency         float64          `json:"avg_latency_ms"`
}

// GetStats returns totals, per-kind and per-source counts since since.
func (al *AuditLogger) GetStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{
		ByKind:   make(map[string]int64),
		BySource: make(map[string]int64),
	}

	err := al.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(latency_ms), 0)
		FROM request_invalidation_audit
		WHERE timestamp >= $1
	`, since).Scan(&stats.TotalInvalidations, &stats.AvgLatency)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "audit totals")
	}

	groups := []struct {
		column string
		dst    map[string]int64
	}{
		{"kind", stats.ByKind},
		{"triggered_by", stats.BySource},
	}
	for _, g := range groups {
		rows, err := al.db.Query(ctx, `
			SELECT `+g.column+`, COUNT(*)
			FROM request_invalidation_audit
			WHERE timestamp >= $1
			GROUP BY `+g.column, since)
		if err != nil {
			return nil, errors.Wrapf(err, "audit breakdown by %s", g.column)
		}
		for rows.Next() {
			var name string
			var count int64
			if err := rows.Scan(&name, &count); err != nil {
				continue
			}
			g.dst[name] = count
		}
		rows.Close()
	}

	return stats, nil
}

// Cleanup removes audit logs older than olderThan.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := al.db.Exec(ctx, `DELETE FROM request_invalidation_audit WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup audit logs")
	}
	return result.RowsAffected(), nil
}

func scanLogs(rows *sqldb.Rows, capacity int) ([]AuditLog, error) {
	defer rows.Close()

	logs := make([]AuditLog, 0, capacity)
	for rows.Next() {
		var log AuditLog
		var targetsJSON, keysJSON, eventJSON []byte

		if err := rows.Scan(
			&log.ID,
			&log.Kind,
			&targetsJSON,
			&keysJSON,
			&log.TriggeredBy,
			&log.Reason,
			&log.Timestamp,
			&log.RequestID,
			&log.Latency,
			&eventJSON,
		); err != nil {
			return nil, errors.Wrap(err, "scan audit log")
		}

		if err := json.Unmarshal(targetsJSON, &log.Targets); err != nil {
			log.Targets = []string{}
		}
		if err := json.Unmarshal(keysJSON, &log.Keys); err != nil {
			log.Keys = []string{}
		}
		if len(eventJSON) > 0 {
			var ev events.InvalidationEvent
			if err := utils.UnmarshalEvent(eventJSON, &ev); err == nil {
				log.Event = &ev
			}
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate audit logs")
	}
	return logs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
