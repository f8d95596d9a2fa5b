package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/supervisor"
)

// Server exposes gRPC health and prometheus metrics on optional addresses
type Server struct {
	GRPCAddr    string
	MetricsAddr string
	Health      *Health
	Gatherer    prometheus.Gatherer
	// Connections, when set, is served as JSON at /connections next to /metrics
	Connections func() []supervisor.ConnectionRecord
	Logger      *slog.Logger
}

type connectionView struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"last_activity"`
	RetryCount   int       `json:"retry_count"`
	BackoffUntil time.Time `json:"backoff_until,omitzero"`
	Error        string    `json:"error,omitempty"`
}

func (s *Server) serveConnections(w http.ResponseWriter, _ *http.Request) {
	recs := s.Connections()
	out := make([]connectionView, 0, len(recs))
	for _, r := range recs {
		v := connectionView{
			ID:           r.ID,
			Channel:      r.Channel,
			State:        r.State.String(),
			LastActivity: r.LastActivity,
			RetryCount:   r.RetryCount,
			BackoffUntil: r.BackoffUntil,
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		out = append(out, v)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Serve runs the configured listeners until ctx is done. Empty addresses are skipped.
func (s *Server) Serve(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)

	if s.GRPCAddr != "" && s.Health != nil {
		lis, err := net.Listen("tcp", s.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.GRPCAddr, err)
		}
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.Health.Server())
		logger.Info("health service listening", "addr", lis.Addr().String())

		g.Go(func() error {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("health service: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			s.Health.Shutdown()
			grpcServer.GracefulStop()
			return nil
		})
	}

	if s.MetricsAddr != "" && s.Gatherer != nil {
		lis, err := net.Listen("tcp", s.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
		if s.Connections != nil {
			mux.HandleFunc("/connections", s.serveConnections)
		}
		httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info("metrics endpoint listening", "addr", lis.Addr().String())

		g.Go(func() error {
			if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
