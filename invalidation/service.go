// Package invalidation broadcasts request-cache invalidations to every proxy
// instance and keeps an audit trail of them.
//
// Design Philosophy:
// - Pub/Sub broadcast: each proxy holds its own request cache, so an
//   invalidation must reach all of them
// - Audit logging gives an immutable history for debugging stale reads
// - Key patterns are validated here, before any proxy sees them
//
// Consistency Model:
// - At-least-once delivery; invalidation is idempotent on the proxy side
// - A read in flight on a proxy when the event lands still settles and
//   repopulates that proxy's cache (reads issued afterwards refetch)
package invalidation

import (
	"context"
	"sync/atomic"
	"time"

	"encore.dev/cron"
	"encore.dev/pubsub"
	"encore.dev/storage/sqldb"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rigup.app/pkg/logging"
	events "rigup.app/pkg/pubsub"
	"rigup.app/pkg/utils"
)

const serviceName = "invalidation"

// auditRetention is how long audit rows are kept by the nightly cleanup.
const auditRetention = 30 * 24 * time.Hour

//encore:service
type Service struct {
	matcher     *utils.KeyMatcher
	auditLogger AuditLoggerInterface
	publisher   Publisher
	metrics     *Metrics
	logger      *zap.Logger
}

// AuditLoggerInterface defines the interface for audit logging operations.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int, kindFilter string) ([]AuditLog, error)
	GetCount(ctx context.Context, kindFilter string) (int, error)
	GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Publisher sends invalidation events. *pubsub.Topic satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event *events.InvalidationEvent) (string, error)
}

// Metrics tracks invalidation performance counters.
type Metrics struct {
	TotalInvalidations  atomic.Int64
	TargetInvalidations atomic.Int64
	KeyInvalidations    atomic.Int64
	FullInvalidations   atomic.Int64
	AuditWrites         atomic.Int64
	PubSubPublishes     atomic.Int64
	Errors              atomic.Int64
}

// Database for audit logging
var db = sqldb.NewDatabase("invalidation_db", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// RequestInvalidateTopic carries invalidations to every proxy instance.
var RequestInvalidateTopic = pubsub.NewTopic[*events.InvalidationEvent](
	events.TopicRequestInvalidate,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Nightly audit cleanup.
var _ = cron.NewJob("request-invalidation-audit-cleanup", cron.JobConfig{
	Title:    "Request invalidation audit cleanup",
	Schedule: "30 3 * * *",
	Endpoint: CleanupAudit,
})

// Initialize service with dependencies
func initService() (*Service, error) {
	return &Service{
		matcher:     utils.NewKeyMatcher(),
		auditLogger: NewAuditLogger(db),
		publisher:   RequestInvalidateTopic,
		metrics:     &Metrics{},
		logger:      logging.FromEnv().Named(serviceName),
	}, nil
}

// Global service instance
var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic("failed to initialize invalidation service: " + err.Error())
	}
}

// Request and response types

type InvalidateTargetsRequest struct {
	Targets     []string `json:"targets"`      // e.g. "/equipment", "/jobs/42"
	TriggeredBy string   `json:"triggered_by"` // Source identifier
	Reason      string   `json:"reason"`       // Optional free text
	RequestID   string   `json:"request_id"`   // Optional correlation ID
}

type InvalidateKeysRequest struct {
	Keys        []string `json:"keys"` // Exact keys or patterns ("GET /jobs?*", "re:...")
	TriggeredBy string   `json:"triggered_by"`
	Reason      string   `json:"reason"`
	RequestID   string   `json:"request_id"`
}

type InvalidateAllRequest struct {
	TriggeredBy string `json:"triggered_by"`
	Reason      string `json:"reason"`
	RequestID   string `json:"request_id"`
}

type InvalidateResponse struct {
	Success     bool      `json:"success"`
	Kind        string    `json:"kind"`
	Targets     []string  `json:"targets,omitempty"`
	Keys        []string  `json:"keys,omitempty"`
	RequestID   string    `json:"request_id"`
	MessageID   string    `json:"message_id"`
	PublishedAt time.Time `json:"published_at"`
}

type GetAuditLogsRequest struct {
	Limit  int    `json:"limit"`          // Number of logs to retrieve
	Offset int    `json:"offset"`         // Pagination offset
	Kind   string `json:"kind,omitempty"` // Optional: targets, keys or all
}

type GetAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	TotalCount int        `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

type MetricsResponse struct {
	TotalInvalidations  int64 `json:"total_invalidations"`
	TargetInvalidations int64 `json:"target_invalidations"`
	KeyInvalidations    int64 `json:"key_invalidations"`
	FullInvalidations   int64 `json:"full_invalidations"`
	AuditWrites         int64 `json:"audit_writes"`
	PubSubPublishes     int64 `json:"pubsub_publishes"`
	Errors              int64 `json:"errors"`
}

// InvalidateTargets drops every cached response in scope of the targets on
// every proxy: the target, everything below it and its ancestors.
//
// Complexity: O(t) where t = number of targets
//
//encore:api public method=POST path=/invalidate/targets
func InvalidateTargets(ctx context.Context, req *InvalidateTargetsRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidateTargets(ctx, req)
}

func (s *Service) InvalidateTargets(ctx context.Context, req *InvalidateTargetsRequest) (*InvalidateResponse, error) {
	targets := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		if scope := utils.TargetOf(t); scope != "" {
			targets = append(targets, scope)
		}
	}
	targets = deduplicate(targets)
	if len(targets) == 0 {
		return nil, errors.New("targets cannot be empty")
	}

	resp, err := s.publish(ctx, KindTargets, &events.InvalidationEvent{Targets: targets}, req.TriggeredBy, req.Reason, req.RequestID)
	if err != nil {
		return nil, err
	}
	s.metrics.TargetInvalidations.Add(1)
	return resp, nil
}

// InvalidateKeys drops exact request keys, or keys matching a pattern, on
// every proxy.
//
//encore:api public method=POST path=/invalidate/keys
func InvalidateKeys(ctx context.Context, req *InvalidateKeysRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidateKeys(ctx, req)
}

func (s *Service) InvalidateKeys(ctx context.Context, req *InvalidateKeysRequest) (*InvalidateResponse, error) {
	keys := deduplicate(req.Keys)
	if len(keys) == 0 {
		return nil, errors.New("keys cannot be empty")
	}
	for _, k := range keys {
		if k == "" {
			return nil, errors.New("keys cannot contain an empty key")
		}
		if err := s.matcher.ValidatePattern(k); err != nil {
			return nil, err
		}
	}

	resp, err := s.publish(ctx, KindKeys, &events.InvalidationEvent{Keys: keys}, req.TriggeredBy, req.Reason, req.RequestID)
	if err != nil {
		return nil, err
	}
	s.metrics.KeyInvalidations.Add(1)
	return resp, nil
}

// InvalidateAll drops every cached response on every proxy.
//
//encore:api public method=POST path=/invalidate/all
func InvalidateAll(ctx context.Context, req *InvalidateAllRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidateAll(ctx, req)
}

func (s *Service) InvalidateAll(ctx context.Context, req *InvalidateAllRequest) (*InvalidateResponse, error) {
	resp, err := s.publish(ctx, KindAll, &events.InvalidationEvent{All: true}, req.TriggeredBy, req.Reason, req.RequestID)
	if err != nil {
		return nil, err
	}
	s.metrics.FullInvalidations.Add(1)
	return resp, nil
}

// publish fills in the common event fields, publishes, and audits
// asynchronously.
func (s *Service) publish(ctx context.Context, kind string, event *events.InvalidationEvent, triggeredBy, reason, requestID string) (*InvalidateResponse, error) {
	startTime := time.Now()

	if triggeredBy == "" {
		triggeredBy = "unknown"
	}
	if requestID == "" {
		requestID = generateRequestID()
	}

	event.Version = events.EventVersion1
	event.Service = serviceName
	event.TriggeredAt = startTime
	event.RequestID = requestID
	event.Meta = map[string]string{"triggered_by": triggeredBy}
	if reason != "" {
		event.Meta["reason"] = reason
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	msgID, err := s.publisher.Publish(ctx, event)
	if err != nil {
		s.metrics.Errors.Add(1)
		s.logger.Error("publish failed", zap.String("kind", kind), zap.String("request_id", requestID), zap.Error(err))
		return nil, errors.Wrap(err, "failed to publish invalidation event")
	}
	s.metrics.PubSubPublishes.Add(1)
	s.metrics.TotalInvalidations.Add(1)

	s.logger.Info("invalidation published",
		zap.String("kind", kind),
		zap.Strings("targets", event.Targets),
		zap.Strings("keys", event.Keys),
		zap.String("triggered_by", triggeredBy),
		zap.String("request_id", requestID),
	)

	auditLog := AuditLog{
		Kind:        kind,
		Targets:     event.Targets,
		Keys:        event.Keys,
		TriggeredBy: triggeredBy,
		Reason:      reason,
		Timestamp:   event.TriggeredAt,
		RequestID:   requestID,
		Latency:     time.Since(startTime).Milliseconds(),
		Event:       event,
	}
	go func() {
		if err := s.auditLogger.Insert(context.Background(), auditLog); err != nil {
			s.metrics.Errors.Add(1)
			s.logger.Warn("audit write failed", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		s.metrics.AuditWrites.Add(1)
	}()

	return &InvalidateResponse{
		Success:     true,
		Kind:        kind,
		Targets:     event.Targets,
		Keys:        event.Keys,
		RequestID:   requestID,
		MessageID:   msgID,
		PublishedAt: event.TriggeredAt,
	}, nil
}

// GetAuditLogs retrieves invalidation audit history with pagination.
//
//encore:api public method=GET path=/audit/logs
func GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditLogs(ctx, req)
}

func (s *Service) GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	logs, err := s.auditLogger.GetRecent(ctx, req.Limit+1, req.Offset, req.Kind)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, errors.Wrap(err, "failed to fetch audit logs")
	}

	hasMore := len(logs) > req.Limit
	if hasMore {
		logs = logs[:req.Limit]
	}

	totalCount, err := s.auditLogger.GetCount(ctx, req.Kind)
	if err != nil {
		totalCount = len(logs)
	}

	return &GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: totalCount,
		HasMore:    hasMore,
	}, nil
}

// GetMetrics returns invalidation service metrics.
//
//encore:api public method=GET path=/invalidate/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	return &MetricsResponse{
		TotalInvalidations:  s.metrics.TotalInvalidations.Load(),
		TargetInvalidations: s.metrics.TargetInvalidations.Load(),
		KeyInvalidations:    s.metrics.KeyInvalidations.Load(),
		FullInvalidations:   s.metrics.FullInvalidations.Load(),
		AuditWrites:         s.metrics.AuditWrites.Load(),
		PubSubPublishes:     s.metrics.PubSubPublishes.Load(),
		Errors:              s.metrics.Errors.Load(),
	}, nil
}

// CleanupAudit removes audit rows past retention. Run by cron.
//
//encore:api private
func CleanupAudit(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	n, err := svc.auditLogger.Cleanup(ctx, auditRetention)
	if err != nil {
		svc.metrics.Errors.Add(1)
		return err
	}
	svc.logger.Info("audit cleanup", zap.Int64("removed", n))
	return nil
}

// deduplicate removes duplicates while preserving order.
func deduplicate(items []string) []string {
	seen := make(map[string]bool, len(items))
	result := make([]string, 0, len(items))

	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}

// generateRequestID creates a unique request identifier for tracing.
func generateRequestID() string {
	return "inv-" + uuid.NewString()
}
