package gateway

import (
	"sync"
	"time"
)

type RateConf struct {
	Window time.Duration    // fixed window length
	Max    int              // accepted sends per window
	Clock  func() time.Time // injectable clock; nil => time.Now
}

func (c *RateConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Second
	}
	if c.Max <= 0 {
		c.Max = 5
	}
}

type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter is a per-user fixed window over accepted message sends.
// Rejected sends never consume budget; the count only moves on acceptance.
type RateLimiter struct {
	mu     sync.Mutex
	byUser map[string]*rateWindow
	conf   RateConf
}

func NewRateLimiter(conf RateConf) *RateLimiter {
	conf.norm()
	return &RateLimiter{
		byUser: make(map[string]*rateWindow),
		conf:   conf,
	}
}

// Allow consumes one unit of the user's budget if any remains in the current
// window. A call landing exactly on the window boundary opens a fresh one.
func (r *RateLimiter) Allow(userID string) bool {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.byUser[userID]
	if w == nil || !now.Before(w.start.Add(r.conf.Window)) {
		r.byUser[userID] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= r.conf.Max {
		return false
	}
	w.count++
	return true
}

// Forget drops the user's window. Called once their last session is gone.
func (r *RateLimiter) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userID)
}
