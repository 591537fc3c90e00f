// Package main is the camera control service entry point: camera
// discovery, the intervalometer, timelapse reports, time sync, and the
// HTTP/WebSocket surface, wired together over the internal event bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/bus"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/clock"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/config"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/database"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/discovery"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/intervalometer"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/logging"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/reports"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/server"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/system"
	"github.com/PapaMarky/pi-camera-control-sub002/internal/timesync"
)

const version = "2.0.0"

// cameraSource adapts the discovery service to the intervalometer's
// camera resolution interface. The primary is re-resolved on every use
// because it can change between operations.
type cameraSource struct {
	disc *discovery.Service
}

func (s cameraSource) ResolveCamera() (intervalometer.Camera, error) {
	client, err := s.disc.PrimaryClient()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// cameraClockSource adapts the discovery service to the time-sync
// service's camera clock interface.
type cameraClockSource struct {
	disc *discovery.Service
}

func (s cameraClockSource) ResolveCameraClock() (timesync.CameraClock, error) {
	client, err := s.disc.PrimaryClient()
	if err != nil {
		return nil, err
	}
	if !client.ConnectionStatus().Connected {
		return nil, errcode.New(errcode.CameraOffline, "main", "resolveCameraClock",
			"primary camera is not connected")
	}
	return client, nil
}

func main() {
	configPath := findConfigFile()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	// Initialize structured logging; recent entries are buffered for the
	// /api/system/logs endpoint.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logBuffer := logging.NewRingBuffer(1000)
	logger := slog.New(logging.NewCaptureHandler(logBuffer, handler))
	slog.SetDefault(logger)

	slog.Info("Starting camera control service",
		"version", version,
		"config_path", configPath,
		"data_path", cfg.Data.Path,
		"port", cfg.Server.Port,
	)

	if err := cfg.Watch(); err != nil {
		slog.Warn("Config watch unavailable", "error", err)
	}
	cfg.OnChange(func(*config.Config) {
		slog.Info("Configuration reloaded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.Data.Path, 0755); err != nil {
		slog.Error("Failed to create data directory", "path", cfg.Data.Path, "error", err)
		os.Exit(1)
	}

	// Open database
	db, err := database.Open(database.DefaultConfig(cfg.Data.Path))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize embedded event bus
	eventBus, err := bus.New(logger)
	if err != nil {
		slog.Error("Failed to create event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	clk := clock.New()

	// Camera discovery
	disc := discovery.NewService(clk, eventBus, db)

	// Timelapse reports and the active-session slot
	store, err := reports.NewStore(cfg.Data.Path)
	if err != nil {
		slog.Error("Failed to open report store", "error", err)
		os.Exit(1)
	}
	manager := reports.NewManager(clk, cameraSource{disc}, eventBus, store)

	// WebSocket fabric; the hub doubles as the time-sync client directory
	hub := server.NewHub(cfg.Network.APCIDR)
	go hub.Run()

	// Time sync
	tsync := timesync.NewService(clk, timesync.NewHostClock(), hub,
		cameraClockSource{disc}, eventBus)
	defer tsync.Stop()

	sysmon := system.NewMonitor()

	broadcaster := server.NewBroadcaster(clk, cfg, hub, disc.Registry(), disc,
		manager, tsync, sysmon)
	dispatcher := server.NewDispatcher(clk, disc, manager, tsync,
		func() any { return broadcaster.Snapshot() })

	hub.SetWelcome(broadcaster.Welcome)
	hub.SetHandler(dispatcher.Handle)
	hub.SetConnectionHooks(dispatcher.HandleClientConnected, nil)

	// Fan bus events out to WebSocket clients.
	if err := server.WireBus(eventBus, hub); err != nil {
		slog.Error("Failed to wire bus subscriptions", "error", err)
		os.Exit(1)
	}
	// A newly connected camera triggers the camera-connection time policy.
	if err := eventBus.Subscribe(bus.SubjectCameraConnected, func(string, []byte) {
		tsync.HandleCameraConnected(ctx)
	}); err != nil {
		slog.Error("Failed to subscribe to camera events", "error", err)
		os.Exit(1)
	}

	if err := disc.Start(ctx); err != nil {
		slog.Error("Failed to start discovery", "error", err)
		os.Exit(1)
	}
	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start session manager", "error", err)
		os.Exit(1)
	}
	go broadcaster.Run(ctx)

	apiServer := server.NewServer(clk, cfg, hub, disc, disc.Registry(), manager,
		tsync, sysmon, logBuffer)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Server starting", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		slog.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	// A running session stops cleanly so its terminal report is written
	// before the process exits.
	if session, ok := manager.Active(); ok {
		if err := session.Stop(); err != nil {
			slog.Error("Failed to stop active session", "error", err)
		}
	}

	hub.CloseAll()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

// findConfigFile looks for the config file in the usual locations.
func findConfigFile() string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}
	locations := []string{
		"/etc/pi-camera-control/config.yaml",
		"./config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return filepath.Join("/etc/pi-camera-control", "config.yaml")
}
