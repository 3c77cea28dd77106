package gateway

import (
	"hash/fnv"
	"sync"
)

type fanoutJob struct {
	sessions []*Session
	payload  []byte
	skipID   string
}

// Fanout is the delivery worker pool. Jobs are sharded onto workers by the
// FNV hash of their key (the room id), so one room always drains through one
// worker and keeps its order, while different rooms spread out.
type Fanout struct {
	queues   []chan fanoutJob
	policy   BackpressurePolicy
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewFanout(workers, queue int, policy BackpressurePolicy) *Fanout {
	if workers <= 0 {
		workers = 8
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{
		queues: make([]chan fanoutJob, workers),
		policy: policy,
	}
	for i := range f.queues {
		f.queues[i] = make(chan fanoutJob, queue)
		f.wg.Add(1)
		go f.worker(f.queues[i])
	}
	return f
}

// Broadcast enqueues payload for every session in the snapshot.
func (f *Fanout) Broadcast(key string, sessions []*Session, payload []byte) {
	f.BroadcastExcept(key, sessions, payload, "")
}

// BroadcastExcept skips the named session (the originator, usually).
func (f *Fanout) BroadcastExcept(key string, sessions []*Session, payload []byte, skipID string) {
	if len(sessions) == 0 || len(payload) == 0 {
		return
	}
	f.queues[f.shard(key)] <- fanoutJob{sessions: sessions, payload: payload, skipID: skipID}
}

func (f *Fanout) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(f.queues)))
}

func (f *Fanout) worker(q chan fanoutJob) {
	defer f.wg.Done()
	for job := range q {
		for _, s := range job.sessions {
			if job.skipID != "" && s.ID == job.skipID {
				continue
			}
			s.push(job.payload, f.policy)
		}
	}
}

// Close drains and stops the workers. Producers must be quiet first.
func (f *Fanout) Close() {
	f.stopOnce.Do(func() {
		for _, q := range f.queues {
			close(q)
		}
	})
	f.wg.Wait()
}
