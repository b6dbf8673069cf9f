package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OpsServer serves the operational surface only: liveness and metrics.
// The query API for tracked tasks lives in a separate service and is out
// of scope here.
type OpsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewOpsServer(port int, logger *zap.Logger) *OpsServer {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &OpsServer{
		logger: logger,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

func (s *OpsServer) Start() error {
	s.logger.Info("ops server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *OpsServer) Shutdown(ctx context.Context) error {
	s.logger.Info("ops server shutting down")
	return s.httpServer.Shutdown(ctx)
}
