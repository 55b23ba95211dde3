package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/fletch/internal/checkpoint"
	"github.com/23skdu/fletch/internal/coordinator"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/health"
	"github.com/23skdu/fletch/internal/limiter"
	"github.com/23skdu/fletch/internal/logging"
	"github.com/23skdu/fletch/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-process cluster with gRPC health and Prometheus endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(envFile)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(logging.Config{
				Format: cfg.LogFormat,
				Level:  cfg.LogLevel,
				Output: os.Stdout,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := newServer(ctx, &cfg, logger)
			if err != nil {
				return err
			}
			lis, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				srv.close(context.Background())
				return err
			}
			return srv.run(ctx, lis)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before FLETCH_* variables")
	return cmd
}

// server wires a coordinator to its network surfaces.
type server struct {
	cfg    *Config
	logger zerolog.Logger

	coord         *coordinator.Coordinator
	grpc          *grpc.Server
	health        *grpchealth.Server
	prober        *health.GRPCProber
	metrics       *http.Server
	traceShutdown tracing.ShutdownFunc
	// save is set once DataPath was loaded or found empty.
	save bool
}

//nolint:gocritic // Logger passed by value for constructor simplicity
func newServer(ctx context.Context, cfg *Config, logger zerolog.Logger) (*server, error) {
	traceShutdown, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	var opts []coordinator.Option
	if cfg.Archive.Enabled() {
		archive, err := checkpoint.NewMinioArchive(cfg.Archive)
		if err != nil {
			_ = traceShutdown(ctx)
			return nil, err
		}
		opts = append(opts, coordinator.WithArchive(archive))
	}

	coord, err := coordinator.New(cfg.CoordinatorConfig(), logger, opts...)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, err
	}

	s := &server{cfg: cfg, logger: logger, coord: coord, traceShutdown: traceShutdown}

	if cfg.DataPath != "" {
		switch err := coord.LoadAll(ctx, cfg.DataPath); {
		case err == nil:
		case errors.Is(err, ferrors.ErrNotFound):
			logger.Info().Str("data_path", cfg.DataPath).Msg("No saved cluster, starting empty")
		default:
			s.close(ctx)
			return nil, err
		}
		s.save = true
	}

	rl := limiter.NewRateLimiter(cfg.RateLimit, "grpc")
	grpcOpts := append(cfg.BuildGRPCServerOptions(), grpc.UnaryInterceptor(rl.UnaryInterceptor()))
	s.grpc = grpc.NewServer(grpcOpts...)
	s.health = grpchealth.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	if len(cfg.ShardTargets) > 0 {
		ccfg := cfg.CoordinatorConfig()
		targets := make(map[string]string, len(cfg.ShardTargets))
		for i, t := range cfg.ShardTargets {
			targets[ccfg.ShardAddress(i)] = t
		}
		s.prober = health.NewGRPCProber(coord.Detector(), health.ProberConfig{
			Interval:       cfg.DetectorInterval,
			Target:         func(addr string) string { return targets[addr] },
			TripAfter:      cfg.FailureThreshold,
			BreakerTimeout: cfg.DetectorTimeout,
		}, logger, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/cluster", s.handleCluster)
	s.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return s, nil
}

func (s *server) handleCluster(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.coord.ClusterStats()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode cluster stats")
	}
}

// run serves until ctx is done, then shuts everything down and saves the
// cluster to DataPath.
func (s *server) run(ctx context.Context, lis net.Listener) error {
	if err := s.coord.Start(ctx); err != nil {
		s.close(context.Background())
		return err
	}
	if s.prober != nil {
		s.prober.Start(ctx)
	}
	s.syncHealth()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("address", lis.Addr().String()).Msg("gRPC health server starting")
		return s.grpc.Serve(lis)
	})
	g.Go(func() error {
		s.logger.Info().Str("address", s.cfg.MetricsAddr).Msg("Starting metrics server")
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.DetectorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.syncHealth()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.metrics.Shutdown(shutdownCtx)
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.close(shutdownCtx)
	return err
}

// syncHealth publishes each shard's detector state as a gRPC health service
// named after its detector address.
func (s *server) syncHealth() {
	cc := s.cfg.CoordinatorConfig()
	for i := 0; i < s.coord.ShardCount(); i++ {
		status := healthpb.HealthCheckResponse_SERVING
		if s.coord.Failed(i) {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(cc.ShardAddress(i), status)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

func (s *server) close(ctx context.Context) {
	if s.prober != nil {
		s.prober.Stop()
	}
	s.coord.Stop()
	if s.save {
		if err := s.coord.Flush(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Replication did not drain before save")
		}
		if err := s.coord.SaveAll(ctx, s.cfg.DataPath); err != nil {
			s.logger.Error().Err(err).Str("data_path", s.cfg.DataPath).Msg("Failed to save cluster")
		}
	}
	s.coord.Close()
	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Tracing shutdown failed")
	}
}
