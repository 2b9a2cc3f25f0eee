package coordinator

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/jpalmerr/feedwatch/internal/bus"
	"github.com/jpalmerr/feedwatch/internal/fetcher"
)

// Submit runs a user command. The leader executes it; any other instance
// forwards it to the known leader, or drops it with [ErrNoLeader] when no
// leader is known. A nil error does not mean the command has taken effect;
// the result shows up in a later snapshot.
func (c *Coordinator) Submit(ctx context.Context, cmd bus.Command) error {
	if err := bus.Validate(cmd); err != nil {
		return err
	}
	if !c.running() {
		return ErrNotRunning
	}

	errc := make(chan error, 1)
	if !c.post(func() { errc <- c.submit(cmd) }) {
		return ErrNotRunning
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}
}

func (c *Coordinator) submit(cmd bus.Command) error {
	if c.isLeader() {
		c.execute(cmd)
		return nil
	}
	leader := c.elector.Leader()
	if leader == "" {
		c.logger.Warn("dropping command, no leader known", "kind", cmd.Kind())
		c.incr(keyCmdDropped, label("kind", string(cmd.Kind())))
		return ErrNoLeader
	}
	c.send(leader, cmd)
	c.incr(keyCmdForwarded, label("kind", string(cmd.Kind())))
	return nil
}

// execute applies cmd on the leader.
func (c *Coordinator) execute(cmd bus.Command) {
	c.incr(keyCmdExecuted, label("kind", string(cmd.Kind())))
	switch m := cmd.(type) {
	case bus.AddEntity:
		c.addEntity(m.Entity)
	case bus.RemoveEntity:
		c.removeEntity(normalizeEntity(m.Entity))
	case bus.RefreshEntity:
		c.startFetch(normalizeEntity(m.Entity), true)
	case bus.RefreshAll:
		c.startSweep()
		c.resolveErrors()
	case bus.ConfigSync:
		c.configSync(m)
	}
}

// addEntity validates id with a liveness probe and adds it to the
// rotation. Numeric references that fail validation go to the error list.
func (c *Coordinator) addEntity(id string) {
	id = normalizeEntity(id)
	if id == "" || c.snap.Has(id) || c.adding[id] {
		return
	}
	c.adding[id] = true
	epoch := c.epoch.Load()
	timeout := c.sched.Config().MaxFetchTimeout

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, timeout)
		_, err := c.fetcher.Probe(ctx, id)
		cancel()
		c.post(func() { c.finishAdd(id, epoch, err) })
	}()
}

func (c *Coordinator) finishAdd(id string, epoch uint64, err error) {
	delete(c.adding, id)
	if epoch != c.epoch.Load() || !c.isLeader() {
		c.logger.Info("dropping entity add after role change", "entity", id)
		return
	}
	if err != nil {
		if isNumericRef(id) {
			c.failures[id] = c.cfg.FailureThreshold
			c.moveToErrors(id, err, time.Now())
			c.publish()
			return
		}
		c.logger.Warn("entity rejected", "entity", id, "kind", fetcher.KindOf(err), "error", err)
		return
	}
	if c.snap.Has(id) {
		return
	}
	c.snap.ClearError(id)
	c.snap.Add(id)
	c.logger.Info("entity added", "entity", id)
	c.publish()
}

func (c *Coordinator) removeEntity(id string) {
	removed := c.snap.Remove(id)
	cleared := c.snap.ClearError(id)
	delete(c.failures, id)
	if !removed && !cleared {
		return
	}
	c.logger.Info("entity removed", "entity", id)
	c.publish()
}

func (c *Coordinator) configSync(m bus.ConfigSync) {
	if m.Flag == bus.FlagHidden {
		id := normalizeEntity(m.Entity)
		if !c.snap.Has(id) {
			return
		}
		if m.Enabled {
			c.snap.Hidden[id] = true
		} else {
			delete(c.snap.Hidden, id)
		}
	} else if !c.snap.Toggles.Set(m.Flag, m.Enabled) {
		c.logger.Warn("unknown toggle", "flag", m.Flag)
		return
	}
	c.publish()
}

// startSweep polls every entity once, one call per SweepDelay. A sweep in
// progress is not restarted.
func (c *Coordinator) startSweep() {
	if c.sweepCancel != nil {
		c.logger.Debug("sweep already running")
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.sweepCancel = cancel
	c.sweepGen++
	gen := c.sweepGen
	order := slices.Clone(c.snap.Entities)
	c.logger.Info("sweep started", "entities", len(order))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer c.post(func() {
			if c.sweepGen == gen {
				c.sweepCancel = nil
			}
		})
		c.runSweep(ctx, order)
	}()
}

func (c *Coordinator) runSweep(ctx context.Context, order []string) {
	for _, id := range order {
		if err := c.sweeper.Wait(ctx); err != nil {
			return
		}

		jobc := make(chan fetchJob, 1)
		ok := c.post(func() {
			if j, ok := c.beginFetch(id, true); ok {
				jobc <- j
			}
			close(jobc)
		})
		if !ok {
			return
		}

		var j fetchJob
		select {
		case j, ok = <-jobc:
		case <-ctx.Done():
			return
		}
		if !ok {
			continue
		}

		res := c.runJob(c.ctx, j)
		if !c.post(func() { c.applyResult(res) }) {
			return
		}
		if res.err != nil && fetcher.KindOf(res.err) == fetcher.RateLimited {
			c.logger.Warn("sweep aborted by rate limit", "entity", id)
			return
		}
	}
	c.logger.Info("sweep finished")
}

func (c *Coordinator) stopSweep() {
	if c.sweepCancel == nil {
		return
	}
	c.sweepCancel()
	c.sweepCancel = nil
	c.sweepGen++
}

func normalizeEntity(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "@")
}
