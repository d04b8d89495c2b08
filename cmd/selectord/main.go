package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/adaptive-select/internal/config"
	"github.com/danielpatrickdp/adaptive-select/internal/dispatch"
	"github.com/danielpatrickdp/adaptive-select/internal/eval"
	"github.com/danielpatrickdp/adaptive-select/internal/gate"
	"github.com/danielpatrickdp/adaptive-select/internal/logging"
	"github.com/danielpatrickdp/adaptive-select/internal/metrics"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/rpc"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region main
var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "selectord",
	Short:        "Serve adaptive model selection over gRPC",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		log, err := logging.NewLogger(os.Stderr, cfg.LogLevel)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region serve
func serve(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	mode, err := dispatch.ParseCorruptMode(cfg.OnCorrupt)
	if err != nil {
		return err
	}

	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	d := dispatch.New(store,
		dispatch.WithRegistry(policy.DefaultRegistry(cfg.Policy, rand.New(rand.NewSource(cfg.Seed)))),
		dispatch.WithLogger(log),
		dispatch.WithCorruptMode(mode),
		dispatch.WithProvenance(logging.NewSQLSink(store.DB())),
		dispatch.WithGate(gate.NewGate(cfg.Gate)),
		dispatch.WithEval(eval.NewEvalHarness(cfg.Eval)),
	)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor(log)))
	health := rpc.Register(gs, rpc.NewServer(d))

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	log.WithFields(logrus.Fields{
		"listen":     cfg.ListenAddr,
		"metrics":    cfg.MetricsAddr,
		"db":         cfg.DBPath,
		"policies":   d.Policies(),
		"on_corrupt": cfg.OnCorrupt,
	}).Info("selector ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gs.Serve(lis)
	})
	if metricsSrv != nil {
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		health.Shutdown()
		gs.GracefulStop()
		if metricsSrv == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// #endregion serve
