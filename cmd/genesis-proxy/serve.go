package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/genesis-proxy/internal/agent"
	"github.com/jmerrifield20/genesis-proxy/internal/attestation"
	"github.com/jmerrifield20/genesis-proxy/internal/gateway"
	"github.com/jmerrifield20/genesis-proxy/internal/genesislog"
	"github.com/jmerrifield20/genesis-proxy/internal/health"
	"github.com/jmerrifield20/genesis-proxy/internal/metrics"
	"github.com/jmerrifield20/genesis-proxy/internal/passthrough"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the passthrough socket and the transparency gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _ := zap.NewProduction()
		defer logger.Sync() //nolint:errcheck

		if err := runServe(logger); err != nil {
			logger.Error("genesis-proxy exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

func runServe(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := loadConfig(viper.New(), cfgFile)
	if err != nil {
		return err
	}
	if cfg.ConfigFile == "" {
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Genesis log ──────────────────────────────────────────────────────────
	store := genesislog.NewStore(cfg.Genesis.LogPath, genesislog.Options{
		RetryInterval: cfg.Genesis.RetryInterval,
		MaxRetries:    cfg.Genesis.MaxRetries,
	}, logger)
	metrics.SetLogState(genesislog.StateWaiting.String())
	store.SetStateHook(func(s genesislog.State) {
		metrics.SetLogState(s.String())
	})
	if err := store.Open(ctx); err != nil {
		return fmt.Errorf("open genesis log: %w", err)
	}
	defer store.Close()

	// ── Upstreams ────────────────────────────────────────────────────────────
	transport, err := attestation.NewTransport(attestation.Config{
		Mode:       attestation.Mode(cfg.Dstack.Mode),
		SocketPath: cfg.Dstack.Socket,
		URL:        cfg.Dstack.URL,
		Timeout:    cfg.Dstack.Timeout,
	})
	if err != nil {
		return err
	}
	forwarder := attestation.NewForwarder(transport, logger)
	logger.Info("attestation primitive configured",
		zap.String("mode", cfg.Dstack.Mode),
		zap.String("socket", cfg.Dstack.Socket),
		zap.String("url", cfg.Dstack.URL),
	)

	agentClient := agent.New(agent.Config{BaseURL: cfg.AgentURL(), Timeout: cfg.Agent.Timeout}, logger)

	checker := health.New([]health.Target{
		{Name: "agent", Probe: agentClient},
		{Name: "dstack", Probe: forwarder},
	}, health.Config{CheckInterval: cfg.Health.Interval}, logger)
	checker.SetMetricsRecord(metrics.SetUpstreamUp)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	// ── Passthrough socket (agent-facing) ────────────────────────────────────
	ln, err := passthrough.Listen(cfg.Passthrough.Socket)
	if err != nil {
		return err
	}
	defer os.Remove(cfg.Passthrough.Socket) //nolint:errcheck

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})

	ptSrv := &http.Server{
		Handler:           passthrough.New(transport, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("passthrough listening", zap.String("socket", cfg.Passthrough.Socket))
		if err := ptSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("passthrough: %w", err)
		}
		return nil
	})

	// ── Transparency gateway (public) ────────────────────────────────────────
	var gwSrv *http.Server
	if cfg.Gateway.DevKey == "" {
		logger.Warn("DEV_KEY not configured, transparency gateway disabled")
	} else {
		router := gateway.NewRouter(gctx, gateway.Deps{
			Log:    store,
			Agent:  agentClient,
			Quoter: forwarder,
			Health: checker,
		}, gateway.Options{
			DevKey:       cfg.Gateway.DevKey,
			CORSOrigins:  cfg.Gateway.CORSOrigins,
			RateLimitRPS: cfg.Gateway.RateLimitRPS,
			AgentTimeout: cfg.Agent.Timeout,
		}, logger)

		gwSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("transparency gateway listening", zap.Int("port", cfg.Gateway.Port))
			if err := gwSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	// gctx ends on SIGINT/SIGTERM or when either server fails.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down genesis-proxy...")

		// Agent calls may be minutes long; give in-flight chats time to log
		// their responses before the process exits.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if gwSrv != nil {
			if err := gwSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("gateway shutdown error", zap.Error(err))
			}
		}
		if err := ptSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("passthrough shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("genesis-proxy stopped")
	return err
}
