package coordinator

import (
	"time"

	"github.com/armon/go-metrics"
)

var (
	keyBusSent        = []string{"bus", "sent"}
	keyBusReceived    = []string{"bus", "received"}
	keyBusErrors      = []string{"bus", "errors"}
	keyFetchOK        = []string{"fetch", "success"}
	keyFetchSkipped   = []string{"fetch", "unchanged"}
	keyFetchFailed    = []string{"fetch", "failure"}
	keyFetchStale     = []string{"fetch", "stale"}
	keyFetchLatency   = []string{"fetch", "latency_ms"}
	keyActionsNew     = []string{"actions", "new"}
	keyActionsDup     = []string{"actions", "duplicate"}
	keyCmdExecuted    = []string{"commands", "executed"}
	keyCmdForwarded   = []string{"commands", "forwarded"}
	keyCmdDropped     = []string{"commands", "dropped"}
	keyPersistErrors  = []string{"persist", "errors"}
	keySnapshotsOut   = []string{"snapshots", "published"}
	keySnapshotsIn    = []string{"snapshots", "applied"}
	keyRoleLeader     = []string{"role", "leader"}
	keyEntities       = []string{"entities"}
	keyErroredEntries = []string{"entities", "errored"}
)

func label(name, value string) metrics.Label {
	return metrics.Label{Name: name, Value: value}
}

func (c *Coordinator) incr(key []string, labels ...metrics.Label) {
	if len(labels) == 0 {
		c.metrics.IncrCounter(key, 1)
		return
	}
	c.metrics.IncrCounterWithLabels(key, 1, labels)
}

func (c *Coordinator) sinceMs(key []string, start time.Time) {
	c.metrics.AddSample(key, float32(time.Since(start))/float32(time.Millisecond))
}

func boolGauge(b bool) float32 {
	if b {
		return 1
	}
	return 0
}
