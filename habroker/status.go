package habroker

import (
	"github.com/milad-ha/amqpha/brokerclient"
	"github.com/milad-ha/amqpha/stats"
)

// StatusRecord is the status summary for one broker.
type StatusRecord struct {
	Identity    string
	Alias       string
	Status      string
	Disconnects int
	Failures    int
	Retries     int
}

// Status returns a StatusRecord for every configured broker, in priority
// order.
func (c *Coordinator) Status() []StatusRecord {
	snapshot := c.clientSnapshot()

	out := make([]StatusRecord, 0, len(snapshot))
	for _, cl := range snapshot {
		disconnects, failures, retries := cl.Counters()
		out = append(out, StatusRecord{
			Identity:    cl.Identity(),
			Alias:       cl.Alias(),
			Status:      cl.Status().String(),
			Disconnects: disconnects,
			Failures:    failures,
			Retries:     retries,
		})
	}
	return out
}

// Stats returns a statistics record for every configured broker; zero
// counters read as nil. Counters come from each client's own accounting;
// the disconnect-last / failure-last timestamps come from the
// coordinator's stats.Collector when it is a *stats.Snapshot (an external
// backend keeps its own clock and cannot be queried back through the
// Collector interface).
func (c *Coordinator) Stats() []stats.Record {
	snapshot := c.clientSnapshot()

	c.mu.Lock()
	snap, _ := c.stats.(*stats.Snapshot)
	c.mu.Unlock()

	out := make([]stats.Record, 0, len(snapshot))
	for _, cl := range snapshot {
		r := stats.Record{
			Alias:    cl.Alias(),
			Identity: cl.Identity(),
			Status:   cl.Status().String(),
		}
		disconnects, failures, retries := cl.Counters()
		if disconnects > 0 {
			d := disconnects
			r.Disconnects = &d
		}
		if failures > 0 {
			f := failures
			r.Failures = &f
		}
		if retries > 0 {
			rt := retries
			r.Retries = &rt
		}
		if snap != nil {
			_, _, _, disconnectTS, failureTS := snap.Counts(cl.Identity())
			r.DisconnectTS = disconnectTS
			r.FailureTS = failureTS
		}
		out = append(out, r)
	}
	return out
}

func (c *Coordinator) clientSnapshot() []*brokerclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*brokerclient.Client(nil), c.clients...)
}
