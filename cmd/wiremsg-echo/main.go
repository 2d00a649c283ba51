// Command wiremsg-echo is a TCP server that decodes wiremsg frames and
// sends every message back to its sender with an x-echo-count header.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Zereker/wiremsg"
	"github.com/Zereker/wiremsg/socket"
)

// echoHeader carries the server-wide count of echoed messages.
const echoHeader = "x-echo-count"

type echo struct {
	count atomic.Int64
}

func (e *echo) handle(conn *socket.Conn, m *wiremsg.Message) error {
	e.stamp(m)
	return conn.Write(m)
}

// stamp sets the echo counter on m. A message that already carries
// MaxHeaderCount other headers is echoed without it.
func (e *echo) stamp(m *wiremsg.Message) {
	n := e.count.Add(1)
	if _, ok := m.Header(echoHeader); !ok && len(m.Headers) >= wiremsg.MaxHeaderCount {
		return
	}
	m.SetHeader(echoHeader, strconv.FormatInt(n, 10))
}

// onError keeps a connection open after a frame that failed its checksum and
// drops it on anything else. Skipping the bad frame only works when the
// damage missed its length fields; otherwise the reader loses its place and
// the next frame usually fails the version check, which disconnects.
func onError(err error) socket.ErrorAction {
	if errors.Is(err, wiremsg.ErrChecksumMismatch) {
		return socket.Continue
	}
	return socket.Disconnect
}

func main() {
	cfg, err := LoadConfig(".env")
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logger := newLogger(cfg.LogLevel)
	log := newLogrusAdapter(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics, err := socket.NewMetrics(registry)
	if err != nil {
		logger.WithError(err).Fatal("failed to register metrics")
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, registry, logger)
	}

	server, err := socket.Listen(cfg.Addr,
		socket.ServerLoggerOption(log),
		socket.ServerShutdownTimeoutOption(cfg.Shutdown),
	)
	if err != nil {
		logger.WithError(err).Fatal("failed to create server")
	}

	handler := socket.NewMessageHandler(ctx, new(echo).handle,
		socket.LoggerOption(log),
		socket.MetricsOption(metrics),
		socket.OnErrorOption(onError),
		socket.BufferSizeOption(cfg.BufferSize),
		socket.HeartbeatOption(cfg.Heartbeat),
		socket.MessageMaxSize(cfg.MaxFrame),
	)

	logger.WithField("addr", server.Addr().String()).Info("server start")
	if err := server.Serve(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("server error")
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("metrics server start")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("metrics server error")
	}
}
