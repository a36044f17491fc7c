package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/beanrpc/internal/logging"
	"github.com/danmuck/beanrpc/internal/observability"
	"github.com/danmuck/beanrpc/internal/protocol/ejb"
	"github.com/danmuck/beanrpc/internal/remoting"
	"github.com/danmuck/beanrpc/internal/remoting/tcpchan"
)

func main() {
	configPath := flag.String("config", "probe.toml", "path to probe config")
	flag.Parse()

	logging.ConfigureRuntime()
	logger := observability.InitLogger("beanprobe")

	cfg := defaultProbeConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := loadProbeConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "beanprobe: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if cfg.MetricsListenAddr != "" {
		go serveDiagnostics(cfg.MetricsListenAddr, logger)
	}

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "beanprobe: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg probeConfig, logger zerolog.Logger) error {
	conn, cleanup, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	handshakeCtx, cancel := context.WithTimeout(context.Background(), cfg.Reliability.HandshakeTimeout)
	defer cancel()
	channel, err := ejb.From(handshakeCtx, conn)
	if err != nil {
		return err
	}
	logger.Info().Int("version", channel.Version()).Msg("channel negotiated")

	if !cfg.OpenSession {
		return nil
	}

	sessionCtx, cancel := context.WithTimeout(context.Background(), cfg.Reliability.SessionOpenTimeout)
	defer cancel()
	stateful, err := channel.OpenSession(sessionCtx, cfg.Target)
	if err != nil {
		return fmt.Errorf("open session for %s: %w", cfg.Target, err)
	}
	logger.Info().
		Stringer("locator", stateful.Locator).
		Str("session", stateful.SessionID.String()).
		Msgf("session opened, affinity %#v", stateful.Affinity)
	return nil
}

// connect dials the configured endpoint, or brings up the in-process
// loopback responder.
func connect(cfg probeConfig, logger zerolog.Logger) (remoting.Connection, func(), error) {
	if cfg.Loopback {
		conn, stop := startLoopback()
		return conn, stop, nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(context.Background(), cfg.Reliability.ConnectTimeout)
		conn, err := tcpchan.Dial(dialCtx, cfg.Addr)
		cancel()
		if err == nil {
			return conn, func() { _ = conn.Close() }, nil
		}
		lastErr = err
		delay := ejb.NextBackoffDelay(cfg.Reliability.Backoff, attempt, rng)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial failed")
		if attempt < cfg.DialAttempts {
			time.Sleep(delay)
		}
	}
	return nil, nil, fmt.Errorf("dial %s after %d attempts: %w", cfg.Addr, cfg.DialAttempts, lastErr)
}

func serveDiagnostics(addr string, logger zerolog.Logger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		observability.RequestLogger(logger),
		observability.RequestMetricsMiddleware("beanprobe"),
		gin.Recovery(),
	)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"component": "beanprobe",
		})
	})
	if err := router.Run(addr); err != nil {
		logger.Error().Err(err).Msg("diagnostics server stopped")
	}
}
