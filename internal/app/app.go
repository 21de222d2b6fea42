// Package app wires the engine together and owns the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kasagi-engine/server/internal/config"
	"kasagi-engine/server/internal/coord"
	servernet "kasagi-engine/server/internal/net"
	"kasagi-engine/server/internal/remote"
	"kasagi-engine/server/internal/room"
	"kasagi-engine/server/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Config carries bootstrap overrides; zero values fall back to defaults.
type Config struct {
	Logger *log.Logger
}

// Run bootstraps the engine and blocks until a shutdown signal or a fatal
// server error. The shutdown sequence is: stop accepting sockets, flush all
// snapshots, stop the subscription, close the coordinator.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	conf, err := config.FromEnv(logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Printf("instance %s starting (env=%s)", conf.InstanceID, conf.Env)

	rdb := coord.NewRedis(coord.RedisConfig{
		Sentinels:  conf.Sentinels,
		MasterName: conf.MasterName,
		Password:   conf.RedisPassword,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("coordinator unreachable: %w", err)
	}

	counters := telemetry.NewCounters()
	registry := room.NewRegistry(room.Config{
		InstanceID:       conf.InstanceID,
		SnapshotInterval: conf.SnapshotInterval,
		MaxEntities:      conf.MaxEntities,
		Coordinator:      rdb,
		Logger:           logger,
		Telemetry:        counters,
	})

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	syncer := remote.NewSyncer(remote.Config{
		Registry:    registry,
		Coordinator: rdb,
		InstanceID:  conf.InstanceID,
		Logger:      logger,
		Telemetry:   counters,
	})
	go syncer.Run(syncCtx)

	handler := servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Registry:   registry,
		Telemetry:  counters,
		InstanceID: conf.InstanceID,
		Logger:     logger,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", conf.WSPort), Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Printf("server listening on %s", srv.Addr)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-signals:
		logger.Printf("received %s, shutting down", sig)
	case <-ctx.Done():
		logger.Printf("context canceled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	registry.SaveAllSnapshots(shutdownCtx)
	stopSync()
	return nil
}
