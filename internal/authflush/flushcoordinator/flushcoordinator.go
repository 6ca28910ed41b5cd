// Package flushcoordinator wraps a distributed mutex around one flush
// cycle so that, in a multi-replica deployment, only one instance executes
// storage.ReportsToFlush at a time. It does not change the single-process
// correctness of the flush protocol; it exists purely to avoid duplicate,
// wasted work across replicas racing the same periodic trigger.
package flushcoordinator

import (
	"github.com/go-redsync/redsync/v4"

	"github.com/ratecache/authflush/pkg/log"
)

const lockName = "authflush-reports-flush"

// Coordinator guards one flush cycle with a distributed lock.
type Coordinator struct {
	mutex *redsync.Mutex
}

// New returns a Coordinator backed by rs, holding the lock for ttl for the
// duration of one flush cycle.
func New(rs *redsync.Redsync, ttl ...redsync.Option) *Coordinator {
	return &Coordinator{mutex: rs.NewMutex(lockName, ttl...)}
}

// WithFlush runs fn while holding the distributed lock. Lock acquisition
// failure means another replica is already flushing and is not an error:
// WithFlush simply skips the cycle and returns nil.
func (c *Coordinator) WithFlush(fn func()) error {
	if err := c.mutex.Lock(); err != nil {
		log.Debugf("flushcoordinator: skipping cycle, lock held elsewhere: %s", err.Error())
		return nil
	}
	defer func() {
		if _, err := c.mutex.Unlock(); err != nil {
			log.Errorf("flushcoordinator: could not release flush lock: %v", err)
		}
	}()

	fn()
	return nil
}
