package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sysmon/internal/domain"
	"sysmon/internal/endpoints"
	"sysmon/internal/telemetry"
	"sysmon/internal/util"
)

type Options struct {
	HistoryWindow time.Duration
	Retention     time.Duration
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Metrics  *telemetry.Metrics
}

func NewRouter(metricStore domain.MetricStore, logger *util.Logger, opts Options) *mux.Router {
	r := mux.NewRouter()

	addRoutes(r, metricStore, logger, opts)

	r.Use(loggingMiddleware(logger))
	r.Use(countingMiddleware(opts.Metrics))

	return r
}

func addRoutes(r *mux.Router, metricStore domain.MetricStore, logger *util.Logger, opts Options) {
	samplesHandler := &endpoints.Samples{}
	samplesHandler.Init(metricStore, logger, endpoints.SamplesOptions{
		HistoryWindow: opts.HistoryWindow,
		Retention:     opts.Retention,
	})

	indexHandler := &endpoints.Index{}
	indexHandler.Init(metricStore, logger, 0)

	r.HandleFunc("/", indexHandler.IndexHandler).Methods("GET")
	r.HandleFunc("/healthz", indexHandler.HealthHandler).Methods("GET")
	r.HandleFunc("/api/latest", samplesHandler.LatestHandler).Methods("GET")
	r.HandleFunc("/api/history", samplesHandler.HistoryHandler).Methods("GET")

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Serve runs server until ctx is cancelled, then drains in-flight requests for
// at most shutdownTimeout. A nil error means a clean shutdown.
func Serve(ctx context.Context, server *http.Server, logger *util.Logger, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", server.Addr, err)
	}
	return ServeListener(ctx, server, ln, logger, shutdownTimeout)
}

func ServeListener(ctx context.Context, server *http.Server, ln net.Listener, logger *util.Logger, shutdownTimeout time.Duration) error {
	serveErr := make(chan error, 1)
	go func() {
		logger.LogEvent(util.LOG_LEVEL_INFO, "Listening on", ln.Addr().String())
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.LogEvent(util.LOG_LEVEL_INFO, "Shutting down server...")
	if err := gracefulShutdown(server, shutdownTimeout); err != nil {
		logger.LogEvent(util.LOG_LEVEL_ERROR, "Server stopped with error:", err)
		return err
	}
	logger.LogEvent(util.LOG_LEVEL_INFO, "Server stopped gracefully.")
	return nil
}

func gracefulShutdown(server *http.Server, maximumTime time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), maximumTime)
	defer cancel()

	return server.Shutdown(ctx)
}

func loggingMiddleware(logger *util.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.LogEvent(util.LOG_LEVEL_DEBUG, fmt.Sprintf("Request: %s %s", r.Method, r.RequestURI))
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func countingMiddleware(metrics *telemetry.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.Request(route, strconv.Itoa(rec.status))
		})
	}
}
