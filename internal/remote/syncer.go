// Package remote routes deltas published by other instances into the local
// room registry.
package remote

import (
	"context"
	"log"
	"regexp"
	"time"

	"kasagi-engine/server/internal/coord"
	"kasagi-engine/server/internal/delta"
	"kasagi-engine/server/internal/room"
	"kasagi-engine/server/internal/telemetry"
)

const (
	subscribePattern   = "room:*:channel"
	resubscribeBackoff = time.Second
)

var channelPattern = regexp.MustCompile(`^room:([^:]+):channel$`)

// Syncer consumes the cluster-wide delta channel. Every instance receives
// every room's deltas; rooms without local sessions are still hydrated so a
// later join on this instance observes warm state.
type Syncer struct {
	registry   *room.Registry
	coord      coord.Coordinator
	instanceID string
	logger     *log.Logger
	telemetry  *telemetry.Counters
}

// Config carries the syncer dependencies.
type Config struct {
	Registry    *room.Registry
	Coordinator coord.Coordinator
	InstanceID  string
	Logger      *log.Logger
	Telemetry   *telemetry.Counters
}

// NewSyncer constructs a syncer; call Run to start consuming.
func NewSyncer(cfg Config) *Syncer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Syncer{
		registry:   cfg.Registry,
		coord:      cfg.Coordinator,
		instanceID: cfg.InstanceID,
		logger:     logger,
		telemetry:  cfg.Telemetry,
	}
}

// Run subscribes to the pattern channel and dispatches until ctx is canceled.
// When the subscription channel closes (coordinator reconnect), it
// re-subscribes; deltas missed during the outage are healed by the next
// snapshot load.
func (s *Syncer) Run(ctx context.Context) {
	for {
		sub, err := s.coord.PSubscribe(ctx, subscribePattern)
		if err != nil {
			s.logger.Printf("[remote] subscribe failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeBackoff):
				continue
			}
		}

		s.consume(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Printf("[remote] subscription ended, re-subscribing")
	}
}

func (s *Syncer) consume(ctx context.Context, sub coord.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, msg coord.Message) {
	match := channelPattern.FindStringSubmatch(msg.Channel)
	if match == nil {
		return
	}
	roomID := match[1]

	fd, err := delta.DecodeTransport(msg.Payload)
	if err != nil {
		s.logger.Printf("[remote] dropping malformed payload on %s: %v", msg.Channel, err)
		s.telemetry.RecordRemoteMalformed()
		return
	}

	// Own echo: the room's acceptance predicate would reject it anyway, but
	// dropping here skips the registry lookup.
	if fd.InstanceID == s.instanceID {
		return
	}
	if fd.RoomID != roomID {
		s.logger.Printf("[remote] channel %s carried delta for room %s, dropping", msg.Channel, fd.RoomID)
		s.telemetry.RecordRemoteMalformed()
		return
	}

	r, err := s.registry.GetOrCreate(ctx, fd.RoomID)
	if err != nil {
		s.logger.Printf("[remote] failed to resolve room %s: %v", fd.RoomID, err)
		return
	}
	r.ApplyRemoteDelta(fd)
}
