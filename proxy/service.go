// Package proxy fronts the backend API with a request controller. Every call
// under /api/ is deduplicated, cached, rate limited and guarded by the
// emergency governor before it reaches the backend.
//
// Architecture:
//
//	client -> /api/*path -> requestctl.Controller -> backend.HTTPBackend -> API
//	invalidation service -> request-invalidate topic -> local cache drop
//
// Design Notes:
//   - One controller per proxy instance; windows can be shared through Redis
//   - Breaker fallbacks are answered with 200 and the X-Blocked-By header so
//     clients render empty state instead of an error page
//   - Writes are never cached and always drop the cached scope they touch
package proxy

import (
	"context"
	"net/http"
	"sync"

	"encore.dev/pubsub"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"rigup.app/invalidation"
	"rigup.app/monitoring"
	"rigup.app/pkg/backend"
	"rigup.app/pkg/config"
	"rigup.app/pkg/logging"
	"rigup.app/pkg/middleware"
	"rigup.app/pkg/models"
	events "rigup.app/pkg/pubsub"
	"rigup.app/pkg/utils"
	"rigup.app/requestctl"
)

// DefaultBackend is used when no backend is configured.
const DefaultBackend = "http://localhost:3000"

// BlockedByGovernor is the X-Blocked-By value on fallback responses.
const BlockedByGovernor = "emergency-governor"

//encore:service
type Service struct {
	ctrl      *requestctl.Controller
	collector *monitoring.Collector
	logger    *zap.Logger
	redis     *redis.Client
	handler   http.Handler
}

// Global service instance
var (
	svc     *Service
	svcOnce sync.Once
	svcErr  error
)

// initService builds the controller from config and the environment.
func initService() (*Service, error) {
	logger := logging.FromEnv().Named("proxy")

	settings, err := config.Load("")
	if err != nil {
		return nil, err
	}
	if settings.Backend == "" {
		settings.Backend = DefaultBackend
	}

	var rdb *redis.Client
	var store requestctl.WindowStore
	if settings.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		store = requestctl.NewRedisWindowStore(rdb, "")
		logger.Info("sharing rate windows", zap.String("redis", settings.RedisAddr))
	}

	s, err := newService(settings.Controller, backend.New(settings.Backend).Perform, logger, store)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}
	s.redis = rdb

	logger.Info("proxy ready",
		zap.String("backend", settings.Backend),
		zap.Duration("ttl", settings.Controller.TTL),
		zap.Int("max_per_window", settings.Controller.MaxPerWindow),
		zap.Int("emergency_ceiling", settings.Controller.EmergencyCeiling),
	)
	return s, nil
}

// newService wires a Service around perform.
func newService(cfg requestctl.Config, perform requestctl.PerformFunc, logger *zap.Logger, store requestctl.WindowStore) (*Service, error) {
	collector := monitoring.NewCollector(monitoring.DefaultLatencySamples)

	opts := []requestctl.Option{
		requestctl.WithLogger(logger),
		requestctl.WithObserver(collector),
		requestctl.WithTracer(otel.Tracer("rigup.app/proxy")),
	}
	if store != nil {
		opts = append(opts, requestctl.WithWindowStore(store))
	}

	ctrl, err := requestctl.New(cfg, perform, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "build request controller")
	}

	s := &Service{
		ctrl:      ctrl,
		collector: collector,
		logger:    logger,
	}
	s.handler = middleware.RequestLogger(logger)(http.HandlerFunc(s.serveForward))
	return s, nil
}

func getService() (*Service, error) {
	svcOnce.Do(func() {
		svc, svcErr = initService()
		if svcErr != nil {
			logging.FromEnv().Error("failed to initialize proxy service", zap.Error(svcErr))
		}
	})
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc, nil
}

// Shutdown releases the Redis connection. Called by Encore.
func (s *Service) Shutdown(force context.Context) {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	_ = s.logger.Sync()
}

// Forward sends any /api/ request through the controller.
//
//encore:api public raw path=/api/*path
func Forward(w http.ResponseWriter, req *http.Request) {
	s, err := getService()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.handler.ServeHTTP(w, req)
}

type DiagnosticsResponse struct {
	Diagnostics requestctl.Diagnostics `json:"diagnostics"`
	Entries     []models.EntryStats    `json:"entries"`
}

// GetDiagnostics returns in-flight calls, rate windows, circuits and cache
// entries.
//
//encore:api public method=GET path=/control/diagnostics
func GetDiagnostics(ctx context.Context) (*DiagnosticsResponse, error) {
	s, err := getService()
	if err != nil {
		return nil, err
	}
	return s.GetDiagnostics(ctx)
}

func (s *Service) GetDiagnostics(ctx context.Context) (*DiagnosticsResponse, error) {
	return &DiagnosticsResponse{
		Diagnostics: s.ctrl.Diagnostics(),
		Entries:     s.ctrl.Entries(),
	}, nil
}

type MetricsResponse struct {
	Snapshot models.MetricSnapshot `json:"snapshot"`
	Gauges   map[string]float64    `json:"gauges"`
}

// GetMetrics returns controller counters and latency percentiles.
//
//encore:api public method=GET path=/control/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	s, err := getService()
	if err != nil {
		return nil, err
	}
	return s.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	snapshot := s.collector.Snapshot()
	return &MetricsResponse{
		Snapshot: snapshot,
		Gauges:   models.SnapshotToMap(snapshot, "reqctl"),
	}, nil
}

// LocalInvalidateRequest drops cached responses on this instance only.
// Exactly one of the fields is used, checked in the order All, Target,
// Pattern, Key.
type LocalInvalidateRequest struct {
	Key     string `json:"key,omitempty"`
	Target  string `json:"target,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	All     bool   `json:"all,omitempty"`
}

type LocalInvalidateResponse struct {
	Removed int `json:"removed"`
}

// InvalidateLocal drops cached responses on this instance. Use the
// invalidation service to reach every instance.
//
//encore:api public method=POST path=/control/invalidate
func InvalidateLocal(ctx context.Context, req *LocalInvalidateRequest) (*LocalInvalidateResponse, error) {
	s, err := getService()
	if err != nil {
		return nil, err
	}
	return s.InvalidateLocal(ctx, req)
}

func (s *Service) InvalidateLocal(ctx context.Context, req *LocalInvalidateRequest) (*LocalInvalidateResponse, error) {
	var removed int
	switch {
	case req.All:
		removed = s.ctrl.InvalidateAll()
	case req.Target != "":
		removed = s.ctrl.InvalidateTarget(req.Target)
	case req.Pattern != "":
		n, err := s.ctrl.InvalidateMatching(req.Pattern)
		if err != nil {
			return nil, err
		}
		removed = n
	case req.Key != "":
		removed = s.ctrl.Invalidate(req.Key)
	default:
		return nil, errors.New("one of key, target, pattern or all is required")
	}
	return &LocalInvalidateResponse{Removed: removed}, nil
}

// Every proxy instance drops its own cache on remote invalidations.
var _ = pubsub.NewSubscription(
	invalidation.RequestInvalidateTopic,
	"proxy-request-invalidate",
	pubsub.SubscriptionConfig[*events.InvalidationEvent]{
		Handler: HandleInvalidateEvent,
	},
)

// HandleInvalidateEvent applies a remote invalidation to the local cache.
func HandleInvalidateEvent(ctx context.Context, event *events.InvalidationEvent) error {
	s, err := getService()
	if err != nil {
		return nil // nothing cached without a controller
	}
	return s.applyInvalidation(event)
}

func (s *Service) applyInvalidation(event *events.InvalidationEvent) error {
	logger := s.logger.With(zap.String("request_id", event.RequestID))

	// Redelivering a malformed event will not fix it.
	if err := event.Validate(); err != nil {
		logger.Warn("dropping invalid invalidation event", zap.Error(err))
		return nil
	}

	if event.All {
		n := s.ctrl.InvalidateAll()
		logger.Info("remote invalidation", zap.Bool("all", true), zap.Int("removed", n))
		return nil
	}

	removed := 0
	for _, target := range event.Targets {
		removed += s.ctrl.InvalidateTarget(target)
	}
	for _, key := range event.Keys {
		if utils.IsWildcard(key) || utils.IsRegex(key) {
			n, err := s.ctrl.InvalidateMatching(key)
			if err != nil {
				logger.Warn("skipping invalid key pattern", zap.String("pattern", key), zap.Error(err))
				continue
			}
			removed += n
			continue
		}
		removed += s.ctrl.Invalidate(key)
	}

	logger.Info("remote invalidation",
		zap.Strings("targets", event.Targets),
		zap.Strings("keys", event.Keys),
		zap.Int("removed", removed),
	)
	return nil
}
