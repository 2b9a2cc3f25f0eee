package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/fetcher"
	"github.com/jpalmerr/feedwatch/internal/schedule"
	"github.com/jpalmerr/feedwatch/internal/state"
)

// fetchJob is one poll of one entity, captured on the event loop.
type fetchJob struct {
	entity  string
	epoch   uint64
	timeout time.Duration

	// prevActivity and polled let an unchanged liveness probe skip the
	// detail fetch.
	prevActivity time.Time
	polled       bool
	force        bool
}

type fetchResult struct {
	job       fetchJob
	activity  time.Time
	unchanged bool
	records   []feed.ActionRecord
	err       error
}

// tick starts the poll of at most one due entity.
func (c *Coordinator) tick() {
	if !c.isLeader() {
		return
	}
	id, ok := schedule.PickDue(time.Now(), c.snap.Entities, c.snap.NextFetch, func(id string) bool {
		_, busy := c.processing[id]
		return busy
	})
	if ok {
		c.startFetch(id, false)
	}
}

// startFetch polls id in the background unless it is already being polled.
func (c *Coordinator) startFetch(id string, force bool) {
	j, ok := c.beginFetch(id, force)
	if !ok {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.runJob(c.ctx, j)
		c.post(func() { c.applyResult(res) })
	}()
}

// beginFetch marks id as processing and captures what the poll needs.
func (c *Coordinator) beginFetch(id string, force bool) (fetchJob, bool) {
	if !c.isLeader() || !c.snap.Has(id) {
		return fetchJob{}, false
	}
	if _, busy := c.processing[id]; busy {
		return fetchJob{}, false
	}
	if until, ok := c.snap.Cooldowns[id]; ok && time.Now().Before(until) {
		c.logger.Debug("entity is cooling down", "entity", id, "until", until)
		return fetchJob{}, false
	}

	mult := c.snap.Multipliers[id]
	if mult <= 0 {
		mult = schedule.TopMultiplier
	}
	_, polled := c.snap.LastActivity[id]
	j := fetchJob{
		entity:       id,
		epoch:        c.epoch.Load(),
		timeout:      c.sched.FetchTimeout(c.sched.Cycle(mult)),
		prevActivity: c.snap.LastActivity[id],
		polled:       polled,
		force:        force,
	}
	c.processing[id] = j.epoch
	return j, true
}

// runJob performs the remote calls of j. It runs off the event loop.
func (c *Coordinator) runJob(ctx context.Context, j fetchJob) (res fetchResult) {
	res.job = j
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			c.logger.Error("fetcher panic",
				"entity", j.entity,
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			res.err = fmt.Errorf("fetcher panic (correlation_id: %s)", correlationID)
		}
		c.sinceMs(keyFetchLatency, start)
	}()

	probeCtx, cancel := context.WithTimeout(ctx, j.timeout)
	act, err := c.fetcher.Probe(probeCtx, j.entity)
	cancel()
	if err != nil {
		res.err = err
		return res
	}
	res.activity = act.LastActivityAt

	if !j.force && j.polled && act.LastActivityAt.Equal(j.prevActivity) {
		res.unchanged = true
		return res
	}

	detailCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	details, err := c.fetcher.FetchDetails(detailCtx, j.entity)
	if err != nil {
		res.err = err
		return res
	}
	actions, reactions := details.Records(j.entity)
	res.records = feed.Merge(actions, reactions, c.cfg.Retention)
	return res
}

// applyResult folds a poll result into the state and publishes it.
func (c *Coordinator) applyResult(res fetchResult) {
	id := res.job.entity
	if e, ok := c.processing[id]; ok && e == res.job.epoch {
		delete(c.processing, id)
	}
	if res.job.epoch != c.epoch.Load() || !c.isLeader() {
		c.logger.Debug("discarding stale fetch result", "entity", id)
		c.incr(keyFetchStale)
		return
	}
	if !c.snap.Has(id) {
		return
	}

	now := time.Now()
	outcome := schedule.Outcome{
		Result:       schedule.Success,
		LastActivity: c.snap.LastActivity[id],
		Collapsed:    c.collapsed,
	}

	if res.err != nil {
		kind := fetcher.KindOf(res.err)
		c.incr(keyFetchFailed, label("kind", kind.String()))

		if kind == fetcher.RateLimited {
			// rate limits back off but never count toward the error list
			c.logger.Warn("fetch rate limited", "entity", id, "error", res.err)
			outcome.Result = schedule.RateLimited
			outcome.RetryAfter = fetcher.RetryAfterOf(res.err)
		} else {
			c.failures[id]++
			c.logger.Warn("fetch failed",
				"entity", id,
				"kind", kind,
				"failures", c.failures[id],
				"error", res.err,
			)
			outcome.Result = schedule.Failed
			if c.failures[id] >= c.cfg.FailureThreshold {
				c.moveToErrors(id, res.err, now)
				c.publish()
				return
			}
		}
	} else {
		delete(c.failures, id)
		c.snap.LastActivity[id] = res.activity
		outcome.LastActivity = res.activity
		if res.unchanged {
			c.incr(keyFetchSkipped)
		} else {
			c.incr(keyFetchOK)
			c.applyRecords(id, res.records)
		}
	}

	d := c.sched.Decide(now, outcome)
	c.snap.NextFetch[id] = d.NextFetch
	c.snap.Multipliers[id] = d.Multiplier
	if d.CooldownUntil.IsZero() {
		delete(c.snap.Cooldowns, id)
	} else {
		c.snap.Cooldowns[id] = d.CooldownUntil
	}
	c.logger.Debug("entity scheduled",
		"entity", id,
		"multiplier", d.Multiplier,
		"next_fetch", d.NextFetch,
	)
	c.publish()
}

// applyRecords replaces the feed of id and announces actions newer than
// the last one seen. The first poll of an entity only records a baseline.
func (c *Coordinator) applyRecords(id string, records []feed.ActionRecord) {
	prev, known := c.snap.LastSeen[id]
	c.snap.Actions[id] = records
	c.snap.LastSeen[id] = feed.LatestID(records)

	if !known {
		c.logger.Debug("baseline recorded", "entity", id, "actions", len(records))
		return
	}

	// an empty baseline has nothing to compare against, so the records
	// only become the new baseline
	fresh, found := feed.Diff(prev, records)
	if !found {
		c.logger.Debug("no last seen action in feed, skipping notifications", "entity", id, "last_seen", prev)
		return
	}
	if len(fresh) > 0 {
		c.emit(fresh)
	}
}

// moveToErrors takes id out of the rotation and records it in the error
// list. Numeric references get a resolution attempt.
func (c *Coordinator) moveToErrors(id string, cause error, now time.Time) {
	entry := state.ErrorEntry{
		Entity:   id,
		Reason:   cause.Error(),
		Failures: c.failures[id],
		Since:    now,
	}
	c.snap.Remove(id)
	delete(c.failures, id)
	if i := c.snap.ErrorIndex(id); i >= 0 {
		c.snap.Errors[i] = entry
	} else {
		c.snap.Errors = append(c.snap.Errors, entry)
	}
	c.logger.Warn("entity moved to error list", "entity", id, "failures", entry.Failures, "reason", entry.Reason)

	if isNumericRef(id) {
		c.resolve(id)
	}
}

// resolveErrors retries resolution of every numeric reference in the
// error list.
func (c *Coordinator) resolveErrors() {
	for _, e := range c.snap.Errors {
		if isNumericRef(e.Entity) {
			c.resolve(e.Entity)
		}
	}
}

func (c *Coordinator) resolve(ref string) {
	if c.resolving[ref] {
		return
	}
	c.resolving[ref] = true
	epoch := c.epoch.Load()
	timeout := c.sched.Config().MaxFetchTimeout

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, timeout)
		name, err := c.fetcher.Resolve(ctx, ref)
		cancel()
		c.post(func() { c.finishResolve(ref, name, epoch, err) })
	}()
}

func (c *Coordinator) finishResolve(ref, name string, epoch uint64, err error) {
	delete(c.resolving, ref)
	if epoch != c.epoch.Load() || !c.isLeader() {
		return
	}
	if err != nil {
		c.logger.Info("reference not resolved", "ref", ref, "error", err)
		return
	}
	c.logger.Info("reference resolved", "ref", ref, "entity", name)
	if c.snap.ClearError(ref) {
		c.publish()
	}
	if name != ref {
		c.addEntity(name)
	}
}

// isNumericRef reports whether id is a numeric user reference rather than
// a name.
func isNumericRef(id string) bool {
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}
