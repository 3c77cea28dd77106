package gateway

import (
	"sync"
	"time"
)

type TypingConf struct {
	Timeout    time.Duration    // entry lifetime; refreshed on repeat starts
	SweepEvery time.Duration    // sweep period, should be <= Timeout
	Clock      func() time.Time // injectable clock; nil => time.Now
}

func (c *TypingConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Second
	}
}

// TypingEntry names one active indicator.
type TypingEntry struct {
	ChannelID string
	UserID    string
}

// TypingCoordinator holds a keyed expiry table, channel -> user -> deadline.
// One periodic sweep expires entries; no per-entry timers.
type TypingCoordinator struct {
	mu        sync.Mutex
	byChannel map[string]map[string]time.Time

	conf     TypingConf
	onExpire func(TypingEntry)
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTypingCoordinator starts the sweeper goroutine. onExpire runs outside
// the table lock for every entry the sweep removes.
func NewTypingCoordinator(conf TypingConf, onExpire func(TypingEntry)) *TypingCoordinator {
	conf.norm()
	t := &TypingCoordinator{
		byChannel: make(map[string]map[string]time.Time),
		conf:      conf,
		onExpire:  onExpire,
		stopCh:    make(chan struct{}),
	}
	go t.sweeper()
	return t
}

func (t *TypingCoordinator) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Start records or refreshes an indicator. Returns true only on the fresh
// edge, so repeat starts while active never rebroadcast.
func (t *TypingCoordinator) Start(userID, channelID string) bool {
	now := t.conf.Clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.byChannel[channelID]
	if ch == nil {
		ch = make(map[string]time.Time)
		t.byChannel[channelID] = ch
	}
	_, active := ch[userID]
	ch[userID] = now.Add(t.conf.Timeout)
	return !active
}

// Stop removes an indicator, reporting whether one existed.
func (t *TypingCoordinator) Stop(userID, channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.byChannel[channelID]
	if ch == nil {
		return false
	}
	if _, ok := ch[userID]; !ok {
		return false
	}
	delete(ch, userID)
	if len(ch) == 0 {
		delete(t.byChannel, channelID)
	}
	return true
}

func (t *TypingCoordinator) IsTyping(userID, channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.byChannel[channelID]
	if ch == nil {
		return false
	}
	_, ok := ch[userID]
	return ok
}

// DropUser removes the user's indicators everywhere, returning them so the
// caller can emit the stops. Teardown path.
func (t *TypingCoordinator) DropUser(userID string) []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TypingEntry
	for channelID, ch := range t.byChannel {
		if _, ok := ch[userID]; !ok {
			continue
		}
		delete(ch, userID)
		if len(ch) == 0 {
			delete(t.byChannel, channelID)
		}
		out = append(out, TypingEntry{ChannelID: channelID, UserID: userID})
	}
	return out
}

// SweepOnce removes every entry expired at now and returns them.
func (t *TypingCoordinator) SweepOnce(now time.Time) []TypingEntry {
	t.mu.Lock()
	var out []TypingEntry
	for channelID, ch := range t.byChannel {
		for userID, deadline := range ch {
			if now.Before(deadline) {
				continue
			}
			delete(ch, userID)
			out = append(out, TypingEntry{ChannelID: channelID, UserID: userID})
		}
		if len(ch) == 0 {
			delete(t.byChannel, channelID)
		}
	}
	t.mu.Unlock()
	return out
}

func (t *TypingCoordinator) sweeper() {
	ticker := time.NewTicker(t.conf.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			expired := t.SweepOnce(t.conf.Clock())
			if t.onExpire != nil {
				for _, e := range expired {
					t.onExpire(e)
				}
			}
		}
	}
}
