// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Uspbroker-daemon is the long-running USP Broker process: it loads
// configuration, starts whichever MTP listeners are configured, and runs
// the core's single-threaded event loop until it receives SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/uspbroker/broker/config"
	"github.com/uspbroker/broker/internal/clock"
	"github.com/uspbroker/broker/internal/core"
	"github.com/uspbroker/broker/internal/permission"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/internal/reqtable"
	"github.com/uspbroker/broker/internal/schema"
	"github.com/uspbroker/broker/internal/substable"
	"github.com/uspbroker/broker/transport/mqttmtp"
	"github.com/uspbroker/broker/transport/stomp"
	"github.com/uspbroker/broker/transport/unixsocket"
	"github.com/uspbroker/broker/transport/wsocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to uspbroker.yaml (overrides USPBROKER_CONFIG)")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := core.NewRegistry(cfg.Core.MaxServices)
	router := new(transportRouter)
	c := core.New(logger, clock.Real(), router, registry, schema.NewInMemoryTree(),
		reqtable.NewInMemoryTable(), substable.NewInMemoryTable(), permission.NewStaticStore(cfg.Permission))
	c.SetPassthroughMaxDepth(cfg.Core.PassthroughMaxDepth)
	c.SetResponseTimeout(cfg.Core.ResponseTimeout)

	stopTransports, err := startTransports(ctx, cfg, c, registry, logger, router)
	if err != nil {
		return fmt.Errorf("starting transports: %w", err)
	}
	defer stopTransports()

	logger.Info("uspbroker-daemon started", "max_services", cfg.Core.MaxServices)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("uspbroker-daemon shutting down")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// transportRouter implements core.Transport by trying each configured
// MTP's own Send in turn. Every MTP package's Send type-asserts handle
// to its own handle type (a package-private connection type, or the
// endpoint string for mqttmtp) and returns ErrNotHandled
// immediately (no I/O) on a mismatch, so routing costs nothing beyond
// the type switches and stops at the one transport that recognizes the
// handle it was given.
//
// Built this way, rather than tagging handles with their owning
// transport at registration time, because registry.Add's handle
// parameter is exactly what each transport package's own handle()/Dial()
// passes it today; changing that shape would ripple into every
// transport package and its tests for no behavioral gain.
type transportRouter struct {
	unixSocket *unixsocket.Listener
	webSocket  *wsocket.Handler
	mqtt       *mqttmtp.Broker
	stomp      *stomp.Listener
}

var _ core.Transport = (*transportRouter)(nil)

func (r *transportRouter) Send(handle any, msg protocol.Message) error {
	var lastErr error
	for _, t := range []core.Transport{r.unixSocket, r.webSocket, r.mqtt, r.stomp} {
		if isNilTransport(t) {
			continue
		}
		err := t.Send(handle, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unixsocket.ErrNotHandled), errors.Is(err, wsocket.ErrNotHandled),
			errors.Is(err, mqttmtp.ErrNotHandled), errors.Is(err, stomp.ErrNotHandled):
			continue
		default:
			lastErr = err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("transportRouter: Send: handle %T matched no configured transport", handle)
}

// isNilTransport reports whether t wraps a nil pointer. A nil
// *unixsocket.Listener stored in the core.Transport interface is itself
// a non-nil interface value, so comparing t == nil never catches an
// unconfigured transport left at its zero value; only a type-aware
// check does.
func isNilTransport(t core.Transport) bool {
	switch v := t.(type) {
	case *unixsocket.Listener:
		return v == nil
	case *wsocket.Handler:
		return v == nil
	case *mqttmtp.Broker:
		return v == nil
	case *stomp.Listener:
		return v == nil
	default:
		return false
	}
}

// startTransports constructs and starts every MTP whose configuration
// is non-empty, wiring each into router so transportRouter.Send can
// reach it, and returns a function that shuts all of them down.
func startTransports(ctx context.Context, cfg *config.Config, c *core.Core, registry *core.Registry, logger *slog.Logger, router *transportRouter) (func(), error) {
	var stops []func()
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if path := cfg.Transports.UnixSocket.Path; path != "" {
		ln, err := unixsocket.NewListener(path, c, registry, logger)
		if err != nil {
			return nil, fmt.Errorf("unixsocket: %w", err)
		}
		router.unixSocket = ln
		go func() {
			if err := ln.Serve(ctx); err != nil {
				logger.Error("unixsocket: serve failed", "error", err)
			}
		}()
		// Serve(ctx) already tears itself down when the daemon's
		// top-level context is canceled; nothing further to do here.
		stops = append(stops, func() {})
	}

	if addr := cfg.Transports.WebSocket.Address; addr != "" {
		handler := wsocket.NewHandler(c, registry, logger)
		router.webSocket = handler
		srv := &http.Server{Addr: addr, Handler: handler}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("wsocket: serve failed", "error", err)
			}
		}()
		stops = append(stops, func() { srv.Close() })
	}

	if urls := cfg.Transports.MQTT.BrokerURLs; len(urls) > 0 {
		m := cfg.Transports.MQTT
		broker, err := mqttmtp.Connect(mqttmtp.Config{
			BrokerURLs: urls,
			ClientID:   m.ClientID,
			Username:   m.Username,
			Password:   m.Password,
		}, c, registry, logger)
		if err != nil {
			stop()
			return nil, fmt.Errorf("mqttmtp: %w", err)
		}
		for _, svc := range m.Services {
			if err := broker.AddService(svc.Endpoint, mqttmtp.Topics{ToService: svc.ToService, FromService: svc.FromService}); err != nil {
				stop()
				return nil, fmt.Errorf("mqttmtp: adding service %s: %w", svc.Endpoint, err)
			}
		}
		for _, ctrl := range m.Controllers {
			topics := mqttmtp.Topics{ToService: ctrl.ToService, FromService: ctrl.FromService}
			if err := broker.AddController(ctrl.ID, ctrl.Role, topics); err != nil {
				stop()
				return nil, fmt.Errorf("mqttmtp: adding controller %s: %w", ctrl.ID, err)
			}
		}
		router.mqtt = broker
		stops = append(stops, broker.Disconnect)
	}

	if addr := cfg.Transports.STOMP.Address; addr != "" {
		codec := stomp.CodecZstd
		if cfg.Transports.STOMP.Codec == "lz4" {
			codec = stomp.CodecLZ4
		}
		ln, err := stomp.NewListener(addr, c, registry, logger, codec)
		if err != nil {
			stop()
			return nil, fmt.Errorf("stomp: %w", err)
		}
		router.stomp = ln
		go func() {
			if err := ln.Serve(); err != nil {
				logger.Error("stomp: serve failed", "error", err)
			}
		}()
		stops = append(stops, func() { ln.Close() })
	}

	return stop, nil
}
