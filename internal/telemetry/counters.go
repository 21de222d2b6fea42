// Package telemetry tracks engine counters for the diagnostics surface.
package telemetry

import "sync/atomic"

// Counters accumulates engine activity. All methods are safe for concurrent
// use and tolerate a nil receiver so call sites never need guards.
type Counters struct {
	broadcasts       atomic.Uint64
	broadcastBytes   atomic.Uint64
	deltasPublished  atomic.Uint64
	publishFailures  atomic.Uint64
	remoteApplied    atomic.Uint64
	remoteRejected   atomic.Uint64
	remoteMalformed  atomic.Uint64
	snapshotsSaved   atomic.Uint64
	snapshotFailures atomic.Uint64
}

// Snapshot is the JSON form served by the diagnostics endpoint.
type Snapshot struct {
	Broadcasts       uint64 `json:"broadcasts"`
	BroadcastBytes   uint64 `json:"broadcastBytes"`
	DeltasPublished  uint64 `json:"deltasPublished"`
	PublishFailures  uint64 `json:"publishFailures"`
	RemoteApplied    uint64 `json:"remoteApplied"`
	RemoteRejected   uint64 `json:"remoteRejected"`
	RemoteMalformed  uint64 `json:"remoteMalformed"`
	SnapshotsSaved   uint64 `json:"snapshotsSaved"`
	SnapshotFailures uint64 `json:"snapshotFailures"`
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) RecordBroadcast(bytes int) {
	if c == nil {
		return
	}
	c.broadcasts.Add(1)
	if bytes > 0 {
		c.broadcastBytes.Add(uint64(bytes))
	}
}

func (c *Counters) RecordPublish(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.publishFailures.Add(1)
		return
	}
	c.deltasPublished.Add(1)
}

func (c *Counters) RecordRemoteApplied() {
	if c == nil {
		return
	}
	c.remoteApplied.Add(1)
}

func (c *Counters) RecordRemoteRejected() {
	if c == nil {
		return
	}
	c.remoteRejected.Add(1)
}

func (c *Counters) RecordRemoteMalformed() {
	if c == nil {
		return
	}
	c.remoteMalformed.Add(1)
}

func (c *Counters) RecordSnapshot(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.snapshotFailures.Add(1)
		return
	}
	c.snapshotsSaved.Add(1)
}

// SnapshotCounters copies the current counter values.
func (c *Counters) SnapshotCounters() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Broadcasts:       c.broadcasts.Load(),
		BroadcastBytes:   c.broadcastBytes.Load(),
		DeltasPublished:  c.deltasPublished.Load(),
		PublishFailures:  c.publishFailures.Load(),
		RemoteApplied:    c.remoteApplied.Load(),
		RemoteRejected:   c.remoteRejected.Load(),
		RemoteMalformed:  c.remoteMalformed.Load(),
		SnapshotsSaved:   c.snapshotsSaved.Load(),
		SnapshotFailures: c.snapshotFailures.Load(),
	}
}
