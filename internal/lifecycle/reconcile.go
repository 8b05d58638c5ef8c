package lifecycle

import (
	"log"
	"time"

	"github.com/opensandbox/vmcore/internal/metrics"
	"github.com/opensandbox/vmcore/internal/procsup"
	"github.com/opensandbox/vmcore/pkg/types"
)

// Reconcile runs once at startup: reload the record set from disk,
// detect records whose process died while the orchestrator was down,
// reap orphaned monitor processes, and return the pools to their
// baseline occupancy (spec.md §4.C, invariant I2).
func (c *Coordinator) Reconcile() error {
	if err := c.store.Reload(); err != nil {
		return err
	}

	records := c.store.List()
	activeIDs := make(map[string]bool, len(records))
	for _, r := range records {
		activeIDs[r.ID] = true
	}

	for _, r := range records {
		if r.PID == 0 {
			continue
		}
		if procsup.IsAlive(r.PID) {
			continue
		}
		log.Printf("lifecycle: reconcile: %s: process %d is gone, marking stopped", r.ID, r.PID)
		now := time.Now()
		r.Status = types.StatusStopped
		r.StoppedAt = &now
		r.PID = 0
		r.APISocketPath = ""
		if err := c.store.Put(r); err != nil {
			log.Printf("lifecycle: reconcile: %s: persist stopped state: %v", r.ID, err)
		}
	}

	c.tapPool.CleanupStale(activeIDs)
	c.sshPool.CleanupStale(activeIDs)
	c.macAlloc.CleanupStale(activeIDs)

	for range c.reapOrphans(c.cfg.MonitorBin, c.cfg.DataDir, activeIDs) {
		metrics.OrphansReapedTotal.WithLabelValues("vm").Inc()
	}
	for range c.reapOrphans(c.cfg.MonitorBin, c.cfg.BaseImagesDir, activeIDs) {
		metrics.OrphansReapedTotal.WithLabelValues("warmup").Inc()
	}

	c.RefreshPoolMetrics()
	return nil
}

// reapOrphans terminates monitor processes whose argv references dir but
// whose VM id has no matching active record (spec.md §4.C step 2).
func (c *Coordinator) reapOrphans(monitorBin, dir string, activeIDs map[string]bool) []int {
	pids, err := procsup.OrphanScan(monitorBin, dir, activeIDs)
	if err != nil {
		log.Printf("lifecycle: reconcile: orphan scan of %s: %v", dir, err)
		return nil
	}
	for _, pid := range pids {
		if err := procsup.Terminate(pid, terminateGraceForce); err != nil {
			log.Printf("lifecycle: reconcile: terminate orphan pid %d: %v", pid, err)
		}
	}
	return pids
}
