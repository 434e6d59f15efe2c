// Package pool implements the adaptive multi-pool Thread-Pool Manager
// (spec §4.1): named worker pools for fuse/http/thumb/sync traffic, a
// shared idle reserve, and a monitor that rebalances workers between pools
// by donating and adopting worker handles under observed load.
//
// The channel-plus-goroutine-plus-stopCh shape is the same one the
// teacher's batch processor uses for its own worker loop
// (internal/batch/processor.go), generalized here to many named pools
// instead of one.
package pool

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
	"github.com/vaulthalla/vaulthalla/pkg/logging"
)

// Priority orders tasks within a single pool's queue; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Task is one unit of work submitted to a named pool.
type Task struct {
	Priority Priority
	Fn       func(ctx context.Context) error
	done     chan error
}

// defaultPriority ranks the four well-known pools for donation gating
// (spec §4.1's S4: "sync (priority 0 < fuse priority 3)"). Pools outside
// this set (operator-defined names) default to priority 0, the same as
// sync, so they never out-rank a well-known pool as a recipient.
var defaultPriority = map[string]int{
	"fuse":  3,
	"http":  2,
	"thumb": 1,
	"sync":  0,
}

// workerSlot is one worker goroutine's mutable pool binding. Donation and
// adoption retarget slot.pool; the goroutine re-reads it each time it goes
// idle, so a worker handle "moves" between pools without the goroutine
// itself restarting (spec §4.1: "Adoption transfers the handle... the
// worker's pool binding is by reference").
type workerSlot struct {
	mu   sync.Mutex
	pool *namedPool
}

func (s *workerSlot) get() *namedPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

func (s *workerSlot) set(p *namedPool) {
	s.mu.Lock()
	s.pool = p
	s.mu.Unlock()
}

// namedPool is one named FIFO task queue plus the worker handles currently
// bound to it.
type namedPool struct {
	name     string
	priority int
	minSize  int
	initial  int

	mu      sync.Mutex
	queue   []*Task // kept sorted by Priority descending on insert
	workers int
	slots   []*workerSlot // handles currently bound here, for donation
	notify  chan struct{} // buffered doorbell: a task became available
}

func newNamedPool(name string, priority, minSize, initial int) *namedPool {
	return &namedPool{name: name, priority: priority, minSize: minSize, initial: initial, notify: make(chan struct{}, 1)}
}

func (p *namedPool) submit(t *Task) {
	p.mu.Lock()
	insertSorted(&p.queue, t)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func insertSorted(queue *[]*Task, t *Task) {
	i := len(*queue)
	*queue = append(*queue, nil)
	for i > 0 && (*queue)[i-1].Priority < t.Priority {
		(*queue)[i] = (*queue)[i-1]
		i--
	}
	(*queue)[i] = t
}

// popFront removes and returns the highest-priority queued task, or nil.
func (p *namedPool) popFront() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	t := p.queue[0]
	p.queue = p.queue[1:]
	return t
}

func (p *namedPool) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *namedPool) workerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// attach binds slot to this pool, used both for initial assignment and
// for adopt_worker() in the rebalance algorithm.
func (p *namedPool) attach(slot *workerSlot) {
	slot.set(p)
	p.mu.Lock()
	p.workers++
	p.slots = append(p.slots, slot)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// detachOne implements donate_worker(): surrenders one bound handle, or
// returns nil if the pool has none to give (callers check min_pool_size
// before calling this).
func (p *namedPool) detachOne() *workerSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.slots)
	if n == 0 {
		return nil
	}
	slot := p.slots[n-1]
	p.slots = p.slots[:n-1]
	p.workers--
	return slot
}

// Config sizes each named pool plus the shared idle reserve.
type Config struct {
	Pools       map[string]int
	ReserveSize int
	MonitorTick time.Duration

	// ReserveFactor, if set, implements spec §4.1's init(reserve_factor):
	// total worker handles become max(hw_concurrency*ReserveFactor, 12),
	// with Pools' counts taken first and the remainder entering the
	// reserve. Takes precedence over ReserveSize when non-zero.
	ReserveFactor float64

	// MinPoolSize overrides a named pool's min_pool_size (floor a donor
	// must stay above, and a pool must stay above to donate back to the
	// reserve). Pools absent from this map default to 1.
	MinPoolSize map[string]int

	// PoolPriority overrides a named pool's donation-gating priority.
	// Pools absent from this map fall back to defaultPriority, then 0.
	PoolPriority map[string]int

	// High/LowWatermark are the rebalance algorithm's pending/workers
	// thresholds (spec §4.1: "define high = 4, low = 1"). Zero means use
	// the spec defaults.
	HighWatermark float64
	LowWatermark  float64
}

// Manager is the Thread-Pool Manager: named pools sharing a fixed set of
// worker handles that the monitor moves between pools under load.
type Manager struct {
	pools   map[string]*namedPool
	names   []string // priority order, highest first; fixed after New()
	handles []*workerSlot
	tick    time.Duration
	high    float64
	low     float64
	logger  *logging.Logger
	metrics MetricsSink

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// MetricsSink is the subset of internal/metrics.Collector the pool manager
// reports pressure and work-steal counts to.
type MetricsSink interface {
	UpdatePoolPressure(pool string, active, queued int)
	RecordWorkSteal(fromPool, toPool string)
}

type noopMetrics struct{}

func (noopMetrics) UpdatePoolPressure(string, int, int) {}
func (noopMetrics) RecordWorkSteal(string, string)       {}

// New builds a Manager with the named pools and reserve size from cfg.
func New(cfg Config, logger *logging.Logger, metrics MetricsSink) *Manager {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.MonitorTick <= 0 {
		cfg.MonitorTick = 50 * time.Millisecond
	}
	high, low := cfg.HighWatermark, cfg.LowWatermark
	if high <= 0 {
		high = 4
	}
	if low <= 0 {
		low = 1
	}

	sumNamed := 0
	for _, n := range cfg.Pools {
		sumNamed += n
	}

	reserveSize := cfg.ReserveSize
	if cfg.ReserveFactor > 0 {
		total := int(float64(runtime.NumCPU()) * cfg.ReserveFactor)
		if total < 12 {
			total = 12
		}
		reserveSize = total - sumNamed
		if reserveSize < 0 {
			reserveSize = 0
		}
	}

	pools := make(map[string]*namedPool, len(cfg.Pools))
	names := make([]string, 0, len(cfg.Pools))
	for name, workers := range cfg.Pools {
		priority, ok := cfg.PoolPriority[name]
		if !ok {
			priority = defaultPriority[name]
		}
		minSize := 1
		if m, ok := cfg.MinPoolSize[name]; ok {
			minSize = m
		}
		pools[name] = newNamedPool(name, priority, minSize, workers)
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return pools[names[i]].priority > pools[names[j]].priority
	})

	handles := make([]*workerSlot, 0, sumNamed+reserveSize)
	for i := 0; i < sumNamed+reserveSize; i++ {
		handles = append(handles, &workerSlot{})
	}

	return &Manager{
		pools:   pools,
		names:   names,
		handles: handles,
		tick:    cfg.MonitorTick,
		high:    high,
		low:     low,
		logger:  logger.WithComponent("pool"),
		metrics: metrics,
	}
}

// Start launches every worker handle and the pressure-monitor loop, and
// binds each named pool's initial share of handles (spec §4.1's init:
// "excess handles enter the reserve idle").
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return vherrors.New(vherrors.CodeInvalidArgument, "pool manager already started").WithComponent("pool")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	idx := 0
	for _, name := range m.names {
		p := m.pools[name]
		for i := 0; i < p.initial && idx < len(m.handles); i++ {
			p.attach(m.handles[idx])
			idx++
		}
	}
	// Remaining handles stay unbound (slot.pool == nil): the reserve.

	for _, slot := range m.handles {
		m.wg.Add(1)
		go m.workerLoop(ctx, slot)
	}

	m.wg.Add(1)
	go m.monitorLoop(ctx)

	m.logger.Info("thread pool manager started", "pools", len(m.pools), "handles", len(m.handles), "reserve", len(m.handles)-idx)
	return nil
}

// Submit enqueues fn on the named pool and blocks until it completes or
// ctx is canceled.
func (m *Manager) Submit(ctx context.Context, poolName string, priority Priority, fn func(ctx context.Context) error) error {
	p, ok := m.pools[poolName]
	if !ok {
		return vherrors.New(vherrors.CodeInvalidArgument, "unknown pool").
			WithComponent("pool").WithDetail("pool", poolName)
	}

	t := &Task{Priority: priority, Fn: fn, done: make(chan error, 1)}
	p.submit(t)

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return vherrors.New(vherrors.CodeTransient, "task canceled before completion").
			WithComponent("pool").WithCause(ctx.Err())
	}
}

// workerLoop is a single worker handle's lifecycle: run whatever pool it
// is currently bound to until it has no work, then idle briefly and
// re-check its binding, since the monitor may have reassigned it.
func (m *Manager) workerLoop(ctx context.Context, slot *workerSlot) {
	defer m.wg.Done()
	for {
		if p := slot.get(); p != nil {
			if t := p.popFront(); t != nil {
				runTask(ctx, t)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-p.notify:
				continue
			case <-time.After(m.tick):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(m.tick):
		}
	}
}

func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			for _, name := range m.names {
				p := m.pools[name]
				m.metrics.UpdatePoolPressure(name, p.workerCount(), p.depth())
				m.rebalance(name, p)
			}
		}
	}
}

// rebalance implements spec §4.1's per-pool rebalance step, called once
// per pool per monitor tick in priority order.
func (m *Manager) rebalance(name string, p *namedPool) {
	workers := p.workerCount()
	if workers == 0 {
		return
	}
	pending := p.depth()

	switch {
	case float64(pending) > float64(workers)*m.high:
		if slot := m.takeReserveSlot(); slot != nil {
			p.attach(slot)
			m.metrics.RecordWorkSteal("reserve", name)
			return
		}
		for i := len(m.names) - 1; i >= 0; i-- { // lowest-priority donor first
			donorName := m.names[i]
			if donorName == name {
				continue
			}
			donor := m.pools[donorName]
			if donor.priority > p.priority { // never steal from a higher-priority pool
				continue
			}
			dWorkers := donor.workerCount()
			if dWorkers <= donor.minSize { // (c) workers > min_pool_size(donor)
				continue
			}
			if donor.depth() >= dWorkers/2 { // (b) pending < workers/2
				continue
			}
			if slot := donor.detachOne(); slot != nil {
				p.attach(slot)
				m.metrics.RecordWorkSteal(donorName, name)
				return
			}
		}

	case float64(pending) < float64(workers)*m.low && workers > p.minSize:
		if slot := p.detachOne(); slot != nil {
			slot.set(nil)
		}
	}
}

// takeReserveSlot returns one currently-unbound handle, or nil if every
// handle is already bound to a named pool.
func (m *Manager) takeReserveSlot() *workerSlot {
	for _, slot := range m.handles {
		slot.mu.Lock()
		if slot.pool == nil {
			slot.mu.Unlock()
			return slot
		}
		slot.mu.Unlock()
	}
	return nil
}

// ReserveAvailable reports how many worker handles are currently unbound,
// for tests asserting the pool-conservation invariant (total handles is
// constant; every handle is either in the reserve or bound to exactly one
// named pool).
func (m *Manager) ReserveAvailable() int {
	n := 0
	for _, slot := range m.handles {
		if slot.get() == nil {
			n++
		}
	}
	return n
}

func runTask(ctx context.Context, t *Task) {
	err := t.Fn(ctx)
	select {
	case t.done <- err:
	default:
	}
}

// Shutdown stops accepting new pressure-monitor ticks and waits for
// in-flight tasks to finish, up to ctx's deadline. Queued-but-not-started
// tasks are abandoned (graceful); a canceled ctx instead forces an
// immediate return without waiting (forced shutdown).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("thread pool manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("thread pool manager forced shutdown before workers drained")
		return vherrors.New(vherrors.CodeTransient, "shutdown timed out before workers drained").
			WithComponent("pool")
	}
}

// Depth returns the current queue depth for a named pool, for health checks.
func (m *Manager) Depth(poolName string) int {
	p, ok := m.pools[poolName]
	if !ok {
		return 0
	}
	return p.depth()
}

// Workers returns the current worker-handle count bound to a named pool,
// for tests and diagnostics observing rebalance outcomes.
func (m *Manager) Workers(poolName string) int {
	p, ok := m.pools[poolName]
	if !ok {
		return 0
	}
	return p.workerCount()
}
