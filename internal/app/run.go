package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chinawrj/nowlink/internal/bridge"
	"github.com/chinawrj/nowlink/internal/config"
	"github.com/chinawrj/nowlink/internal/db"
	"github.com/chinawrj/nowlink/internal/devices"
	"github.com/chinawrj/nowlink/internal/espnow"
	"github.com/chinawrj/nowlink/internal/httpapi"
	"github.com/chinawrj/nowlink/internal/migrate"
	"github.com/chinawrj/nowlink/internal/mqtt"
	"github.com/chinawrj/nowlink/internal/recorder"
	"github.com/chinawrj/nowlink/internal/store"
	"github.com/chinawrj/nowlink/internal/transport"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"nodeAddr", cfg.NodeAddr.String(),
		"udpListen", cfg.UDPListen,
		"udpBroadcast", cfg.UDPBroadcast,
		"broadcastInterval", cfg.BroadcastInterval,
		"maxDevices", cfg.MaxDevices,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"sqlitePath", cfg.SQLitePath,
	)

	dbConn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(dbConn); err != nil {
		return err
	}

	st := store.New(store.Options{
		MaxDevices:  cfg.MaxDevices,
		LockTimeout: cfg.StoreLockTimeout,
	})

	tr, err := transport.NewUDP(transport.UDPConfig{
		Listen:    cfg.UDPListen,
		Broadcast: cfg.UDPBroadcast,
		LocalAddr: cfg.NodeAddr,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := tr.Close(); closeErr != nil {
			slog.Error("transport close", "error", closeErr)
		}
	}()

	mgr, err := espnow.New(espnow.Config{
		Transport:         tr,
		Store:             st,
		PSK:               cfg.PSK,
		BroadcastInterval: cfg.BroadcastInterval,
		QueueSize:         cfg.QueueSize,
	})
	if err != nil {
		return err
	}

	mqttClient, err := mqtt.NewClient(cfg, slog.Default())
	if err != nil {
		return err
	}

	repo := recorder.NewRepository(dbConn)
	rec := recorder.New(mgr, st, repo, slog.Default())
	br := bridge.New(mgr, st, mqttClient, slog.Default())

	mux := httpapi.NewMux(dbConn)
	devices.RegisterFeature(mux, st, mgr, repo)

	// Observers register before the session starts so no update is missed.
	rec.Start()
	defer rec.Stop()
	br.Start()
	defer br.Stop()

	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Stop()

	// Short timeout for the initial MQTT connect so a down broker does not
	// block startup; paho keeps retrying in the background either way.
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	err = mqttClient.Connect(connectCtx)
	connectCancel()
	if err != nil {
		slog.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
	}
	defer mqttClient.Disconnect()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}
