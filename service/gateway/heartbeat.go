package gateway

import (
	"sync"
	"time"
)

type SupervisorConf struct {
	Interval     time.Duration    // expected client heartbeat period
	MissMultiple int              // missed periods before eviction
	Clock        func() time.Time // injectable clock; nil => time.Now
}

func (c *SupervisorConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MissMultiple <= 0 {
		c.MissMultiple = 3
	}
}

// Supervisor is the liveness sweeper. Each tick evicts sessions whose last
// beat is older than Interval*MissMultiple through the same teardown path an
// explicit disconnect takes, then finalizes parked presence transitions.
type Supervisor struct {
	conf     SupervisorConf
	srv      *Server
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSupervisor(conf SupervisorConf, srv *Server) *Supervisor {
	conf.norm()
	return &Supervisor{
		conf:   conf,
		srv:    srv,
		stopCh: make(chan struct{}),
	}
}

func (sv *Supervisor) run() {
	ticker := time.NewTicker(sv.conf.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-sv.stopCh:
			return
		case <-ticker.C:
			sv.sweepOnce(sv.conf.Clock())
		}
	}
}

// sweepOnce is one supervisor tick at the given instant.
func (sv *Supervisor) sweepOnce(now time.Time) {
	deadline := sv.conf.Interval * time.Duration(sv.conf.MissMultiple)
	for _, s := range sv.srv.registry.Snapshot() {
		if now.Sub(s.lastBeatTime()) > deadline {
			sv.srv.teardownSession(s, "heartbeat timeout")
		}
	}
	for _, change := range sv.srv.presence.Sweep(now) {
		sv.srv.broadcastPresence(change)
	}
}

func (sv *Supervisor) Close() {
	sv.stopOnce.Do(func() { close(sv.stopCh) })
}
