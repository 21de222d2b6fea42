// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"
)

const (
	defaultWSPort           = 8080
	defaultMasterName       = "kasagi-master"
	defaultSentinelPort     = "26379"
	defaultSnapshotInterval = 100
	defaultMaxEntities      = 100

	sentinelSlots = 3
)

// Config is the resolved process configuration.
type Config struct {
	Env              string
	WSPort           int
	InstanceID       string
	SnapshotInterval uint64
	MaxEntities      int
	Debug            bool

	Sentinels     []string
	MasterName    string
	RedisPassword string
}

// FromEnv resolves configuration, logging and ignoring invalid values the way
// optional settings allow. Missing Sentinel discovery is a bootstrap failure.
func FromEnv(logger *log.Logger) (Config, error) {
	if logger == nil {
		logger = log.Default()
	}

	cfg := Config{
		Env:              os.Getenv("NODE_ENV"),
		WSPort:           defaultWSPort,
		SnapshotInterval: defaultSnapshotInterval,
		MaxEntities:      defaultMaxEntities,
		MasterName:       defaultMasterName,
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
	}

	for i := 1; i <= sentinelSlots; i++ {
		host := os.Getenv(fmt.Sprintf("SENTINEL_%d", i))
		if host == "" {
			continue
		}
		port := os.Getenv(fmt.Sprintf("SENTINEL_%d_PORT", i))
		if port == "" {
			port = defaultSentinelPort
		}
		cfg.Sentinels = append(cfg.Sentinels, net.JoinHostPort(host, port))
	}
	if len(cfg.Sentinels) == 0 {
		return Config{}, fmt.Errorf("no sentinels configured: set SENTINEL_1..%d", sentinelSlots)
	}

	if raw := os.Getenv("REDIS_MASTER_NAME"); raw != "" {
		cfg.MasterName = raw
	}

	if raw := os.Getenv("WS_PORT"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.WSPort = value
		} else {
			logger.Printf("invalid WS_PORT=%q, using %d", raw, cfg.WSPort)
		}
	}

	cfg.InstanceID = os.Getenv("INSTANCE_ID")
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()[:8]
	}

	if raw := os.Getenv("SNAPSHOT_INTERVAL"); raw != "" {
		if value, err := strconv.ParseUint(raw, 10, 64); err == nil && value > 0 {
			cfg.SnapshotInterval = value
		} else {
			logger.Printf("invalid SNAPSHOT_INTERVAL=%q, using %d", raw, cfg.SnapshotInterval)
		}
	}

	if raw := os.Getenv("ROOM_MAX_ENTITIES"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.MaxEntities = value
		} else {
			logger.Printf("invalid ROOM_MAX_ENTITIES=%q, using %d", raw, cfg.MaxEntities)
		}
	}

	cfg.Debug = os.Getenv("LOG_LEVEL") == "debug"

	return cfg, nil
}
