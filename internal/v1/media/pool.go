package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/metrics"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

// ErrNoLiveWorker is returned when every worker in the pool has died.
var ErrNoLiveWorker = errors.New("no live media worker available")

// RoomLoad is one room's contribution to a worker's load, reported by the
// registry when the pool refreshes its counters.
type RoomLoad struct {
	WorkerIndex  int
	Participants int
}

// WorkerStat is a read-only snapshot of one pool slot.
type WorkerStat struct {
	Index        int  `json:"index"`
	Pid          int  `json:"pid"`
	Participants int  `json:"participants"`
	Rooms        int  `json:"rooms"`
	Alive        bool `json:"alive"`
}

type slot struct {
	index        int
	worker       Worker
	participants int
	rooms        int
	dead         bool
}

// Pool owns a fixed set of media workers and assigns the least loaded one to
// each new room. Load counters are derived from the registry's room scan, not
// tracked incrementally, so they self-heal after any missed update.
type Pool struct {
	mu    sync.Mutex
	slots []*slot
}

// StartPool spawns size workers. Startup is all-or-nothing: if any worker
// fails to spawn, the ones already running are closed and ErrWorkerInit is
// returned.
func StartPool(size int, settings WorkerSettings, factory WorkerFactory) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", types.ErrWorkerInit)
	}

	pool := &Pool{slots: make([]*slot, 0, size)}

	for i := 0; i < size; i++ {
		worker, err := factory(settings)
		if err != nil {
			for _, s := range pool.slots {
				s.worker.Close()
			}
			return nil, fmt.Errorf("%w: worker %d: %v", types.ErrWorkerInit, i, err)
		}

		s := &slot{index: i, worker: worker}
		worker.OnDied(func(err error) {
			pool.markDead(s, err)
		})
		pool.slots = append(pool.slots, s)

		logging.Info(context.Background(), "media worker started",
			zap.Int("index", i),
			zap.Int("pid", worker.Pid()),
		)
	}

	return pool, nil
}

func (p *Pool) markDead(s *slot, err error) {
	p.mu.Lock()
	s.dead = true
	p.mu.Unlock()

	logging.Error(context.Background(), "media worker died",
		zap.Int("index", s.index),
		zap.Int("pid", s.worker.Pid()),
		zap.Error(err),
	)
}

// PickLeastLoaded refreshes the load counters from loads and returns the live
// worker hosting the fewest participants. Ties resolve to the fewest rooms,
// then the lowest index, so empty rooms still spread across the pool.
func (p *Pool) PickLeastLoaded(loads []RoomLoad) (int, Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshLocked(loads)

	var best *slot
	for _, s := range p.slots {
		if s.dead {
			continue
		}
		if best == nil ||
			s.participants < best.participants ||
			(s.participants == best.participants && s.rooms < best.rooms) {
			best = s
		}
	}
	if best == nil {
		return 0, nil, ErrNoLiveWorker
	}
	return best.index, best.worker, nil
}

// RefreshCounters recomputes per-worker load from the registry's room scan.
// Slots hosting no rooms are zeroed.
func (p *Pool) RefreshCounters(loads []RoomLoad) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked(loads)
}

func (p *Pool) refreshLocked(loads []RoomLoad) {
	for _, s := range p.slots {
		s.participants = 0
		s.rooms = 0
	}
	for _, load := range loads {
		if load.WorkerIndex < 0 || load.WorkerIndex >= len(p.slots) {
			continue
		}
		s := p.slots[load.WorkerIndex]
		s.participants += load.Participants
		s.rooms++
	}
	for _, s := range p.slots {
		pid := strconv.Itoa(s.worker.Pid())
		metrics.WorkerParticipants.WithLabelValues(pid).Set(float64(s.participants))
		metrics.WorkerRooms.WithLabelValues(pid).Set(float64(s.rooms))
	}
}

// Worker returns the worker at index, or nil if out of range.
func (p *Pool) Worker(index int) Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.slots) {
		return nil
	}
	return p.slots[index].worker
}

// Size returns the number of pool slots, dead ones included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Healthy reports whether every worker in the pool is still alive. A dead
// worker flips readiness until the process is restarted.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.dead || s.worker.Closed() {
			return false
		}
	}
	return len(p.slots) > 0
}

// Stats returns a snapshot of every slot keyed by worker pid.
func (p *Pool) Stats() map[int]WorkerStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]WorkerStat, len(p.slots))
	for _, s := range p.slots {
		out[s.worker.Pid()] = WorkerStat{
			Index:        s.index,
			Pid:          s.worker.Pid(),
			Participants: s.participants,
			Rooms:        s.rooms,
			Alive:        !s.dead && !s.worker.Closed(),
		}
	}
	return out
}

// Close shuts down every worker in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.worker.Close()
	}
}
