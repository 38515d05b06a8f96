// Package app holds the startup plumbing shared by the gateway and trader
// binaries: shutdown, profiling, the metrics endpoint and the dead-letter
// journal.
package app

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/pkg/sys"

	"tradegate/internal/config"
	"tradegate/internal/journal"
	"tradegate/internal/obs"
	"tradegate/pkg/conn"
)

const metricsShutdownTimeout = 3 * time.Second

// Context returns a context cancelled on SIGINT or SIGTERM.
func Context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sys.Shutdown():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// NewRegistry returns a registry carrying the process and runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// StartProfiler starts continuous profiling when a server is configured. The
// returned stop function is never nil.
func StartProfiler(cfg config.ProfilingConfig, log obs.Logger, tags map[string]string) (func(), error) {
	if cfg.Server == "" {
		return func() {}, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.AppName,
		ServerAddress:   cfg.Server,
		Tags:            tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return func() {}, errors.Wrap(err, "start pyroscope")
	}
	log.Infof("profiling %s to %s", cfg.AppName, cfg.Server)
	return func() {
		if err := profiler.Stop(); err != nil {
			log.Warnf("stop pyroscope, err: %v", err)
		}
	}, nil
}

// MetricsHandler serves reg in the prometheus text format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ServeMetrics exposes reg on addr until ctx is done. An empty addr disables
// the endpoint.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log obs.Logger) error {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           MetricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "serve metrics on %s", addr)
	}
	return nil
}

// Journal is the dead-letter sink of a process together with the background
// writer feeding it.
type Journal struct {
	journal.Sink

	store  *journal.Store
	client *conn.Client
}

// OpenJournal connects to the configured database. Without a DSN dead
// letters are only logged.
func OpenJournal(ctx context.Context, cfg config.JournalConfig, log obs.Logger) (*Journal, error) {
	if cfg.DSN == "" {
		return &Journal{Sink: logSink{log: log}}, nil
	}
	client, err := conn.Open(ctx, conn.Option{DSN: cfg.DSN})
	if err != nil {
		return nil, err
	}
	store, err := journal.NewStore(client.DB(), log, cfg.QueueSize)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Journal{Sink: store, store: store, client: client}, nil
}

// Run writes queued entries until ctx is done.
func (j *Journal) Run(ctx context.Context) error {
	if j.store == nil {
		<-ctx.Done()
		return nil
	}
	return j.store.Run(ctx)
}

// Close releases the database connection.
func (j *Journal) Close() error {
	return j.client.Close()
}

type logSink struct {
	log obs.Logger
}

func (s logSink) Record(e journal.Entry) {
	s.log.Warnf("dead letter %s %s to %s at %s: %s", e.Kind, e.Type, e.Destination, e.Stage, e.Reason)
}
