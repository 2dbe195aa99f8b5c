package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rigup.app/monitoring"
	"rigup.app/pkg/backend"
	"rigup.app/pkg/config"
	"rigup.app/pkg/models"
	"rigup.app/requestctl"
)

type probeOptions struct {
	Method      string
	Target      string
	Count       int
	Concurrency int
}

// ProbeReport is printed as JSON when a probe finishes.
type ProbeReport struct {
	Method      string                 `json:"method"`
	Target      string                 `json:"target"`
	Issued      int                    `json:"issued"`
	Succeeded   int                    `json:"succeeded"`
	Fallbacks   int                    `json:"fallbacks"`
	Failed      int                    `json:"failed"`
	Saved       uint64                 `json:"saved"`
	Errors      map[string]int         `json:"errors,omitempty"`
	Elapsed     string                 `json:"elapsed"`
	Metrics     models.MetricSnapshot  `json:"metrics"`
	Diagnostics requestctl.Diagnostics `json:"diagnostics"`
}

func newProbeCmd() *cobra.Command {
	opts := probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Fire concurrent requests through a controller and report what reached the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			base := flagOrEnv(cmd, "backend", config.EnvPrefix+"BACKEND", settings.Backend)
			if base == "" {
				return errors.New("no backend: pass --backend or set " + config.EnvPrefix + "BACKEND")
			}

			collector := monitoring.NewCollector(monitoring.DefaultLatencySamples)
			ctrlOpts := []requestctl.Option{
				requestctl.WithLogger(logger),
				requestctl.WithObserver(collector),
			}
			if settings.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
				defer rdb.Close()
				ctrlOpts = append(ctrlOpts, requestctl.WithWindowStore(requestctl.NewRedisWindowStore(rdb, "")))
			}

			ctrl, err := requestctl.New(settings.Controller, backend.New(base).Perform, ctrlOpts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("probe starting",
				zap.String("backend", base),
				zap.String("target", opts.Target),
				zap.Int("count", opts.Count),
				zap.Int("concurrency", opts.Concurrency),
			)
			report, err := runProbe(ctx, ctrl, collector, opts)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().String("backend", "", "backend base URL (default $RIGUP_BACKEND or config)")
	cmd.Flags().StringVar(&opts.Method, "method", "GET", "HTTP method")
	cmd.Flags().StringVar(&opts.Target, "target", "/", "target path with optional query")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 10, "number of logical requests")
	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "c", 10, "requests in flight at once")
	return cmd
}

// runProbe issues opts.Count requests with at most opts.Concurrency in
// flight and summarizes the outcomes.
func runProbe(ctx context.Context, ctrl *requestctl.Controller, collector *monitoring.Collector, opts probeOptions) (*ProbeReport, error) {
	if opts.Count <= 0 {
		return nil, errors.Newf("count must be positive, got %d", opts.Count)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	report := &ProbeReport{
		Method: opts.Method,
		Target: opts.Target,
		Errors: make(map[string]int),
	}
	req := requestctl.Request{Method: opts.Method, Target: opts.Target}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, opts.Concurrency)
	)
	start := time.Now()

	for i := 0; i < opts.Count; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := ctrl.Issue(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			report.Issued++
			switch {
			case err != nil:
				report.Failed++
				report.Errors[err.Error()]++
			case out.Fallback:
				report.Fallbacks++
			default:
				report.Succeeded++
			}
		}()
	}
	wg.Wait()

	report.Elapsed = time.Since(start).Round(time.Millisecond).String()
	report.Metrics = collector.Snapshot()
	report.Saved = report.Metrics.Saved()
	report.Diagnostics = ctrl.Diagnostics()
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	return report, nil
}

func writeReport(w io.Writer, report *ProbeReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
