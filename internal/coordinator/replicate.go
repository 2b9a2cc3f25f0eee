package coordinator

import (
	"slices"
	"time"

	"github.com/jpalmerr/feedwatch/internal/bus"
	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/state"
)

// publish persists the state and broadcasts it. Only the leader publishes.
func (c *Coordinator) publish() {
	if !c.isLeader() {
		return
	}
	c.snap.Leader = c.id
	c.snap.PublishedAt = time.Now()

	c.send("", bus.DataUpdate{Snapshot: *c.snap})
	c.incr(keySnapshotsOut)

	if err := state.Save(c.ctx, c.kv, c.snap); err != nil {
		c.logger.Warn("persisting state failed", "error", err)
		c.incr(keyPersistErrors)
	}
	c.updateView()
}

// sendSnapshot answers a data_request from instance to.
func (c *Coordinator) sendSnapshot(to string) {
	c.snap.Leader = c.id
	c.send(to, bus.DataUpdate{Snapshot: *c.snap})
}

// applyUpdate replaces the local state with a snapshot published by the
// leader.
func (c *Coordinator) applyUpdate(from string, s state.Snapshot) {
	if c.isLeader() {
		c.logger.Debug("ignoring snapshot while leader", "from", from)
		return
	}
	if leader := c.elector.Leader(); leader != "" && leader != from {
		c.logger.Debug("ignoring snapshot from non-leader", "from", from, "leader", leader)
		return
	}
	s.Normalize()
	c.snap = &s
	c.incr(keySnapshotsIn)
	c.updateView()
}

// updateView pushes the state to the local view, flagging changes of the
// entity list.
func (c *Coordinator) updateView() {
	structural := !state.SameEntities(c.viewEntities, c.snap.Entities)
	c.viewEntities = slices.Clone(c.snap.Entities)
	c.view.UpdateSnapshot(c.snap, structural)
	c.metrics.SetGauge(keyEntities, float32(len(c.snap.Entities)))
	c.metrics.SetGauge(keyErroredEntries, float32(len(c.snap.Errors)))
}

// emit announces fresh actions, oldest first, one per NotifyStagger.
func (c *Coordinator) emit(fresh []feed.ActionRecord) {
	epoch := c.epoch.Load()
	for i, rec := range fresh {
		delay := time.Duration(i) * c.cfg.NotifyStagger
		if delay == 0 {
			c.announce(rec, epoch)
			continue
		}
		time.AfterFunc(delay, func() {
			c.post(func() { c.announce(rec, epoch) })
		})
	}
}

// announce broadcasts rec and delivers it locally, unless leadership was
// lost since rec was found.
func (c *Coordinator) announce(rec feed.ActionRecord, epoch uint64) {
	if epoch != c.epoch.Load() || !c.isLeader() {
		return
	}
	c.send("", bus.NewAction{Record: rec})
	c.deliver(rec)
}

// deliver surfaces rec to the user at most once per process.
func (c *Coordinator) deliver(rec feed.ActionRecord) {
	if !c.dedup.MarkNew(rec.ID) {
		c.incr(keyActionsDup)
		return
	}
	c.incr(keyActionsNew, label("kind", string(rec.Kind)))
	if c.snap.Hidden[rec.EntityID] {
		return
	}
	if c.snap.Toggles.Overlay {
		c.view.PushAction(rec)
	}
	if c.snap.Toggles.SystemNotify && c.onNotify != nil {
		c.safeCall("notify", func() { c.onNotify(rec) })
	}
}
