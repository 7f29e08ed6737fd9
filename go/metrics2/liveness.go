package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness = "liveness"
	livenessReportEvery = time.Minute
)

// liveness implements the Liveness interface.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// newLiveness creates a new Liveness metric with the given name and tags. The
// reported value is seconds since the last call to Reset.
func newLiveness(c Client, name string, tagsList ...map[string]string) Liveness {
	tags := map[string]string{"name": name}
	for _, t := range tagsList {
		for k, v := range t {
			if k != "name" {
				tags[k] = v
			}
		}
	}
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(measurementLiveness+"_s", tags),
	}
	go func() {
		for range time.Tick(livenessReportEvery) {
			l.update()
		}
	}()
	return l
}

func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// Get implements Liveness.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
	return l.m.Get()
}

// ManualReset implements Liveness.
func (l *liveness) ManualReset(lastSuccessfulUpdate time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = lastSuccessfulUpdate
	l.updateLocked()
}

// Reset implements Liveness.
func (l *liveness) Reset() {
	l.ManualReset(time.Now())
}

var _ Liveness = (*liveness)(nil)
