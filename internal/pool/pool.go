// Package pool implements the Container Pool: admission, warm-hit
// selection, eviction, and prewarm refill over a Sandbox Driver and a
// Resource Accountant. It is grounded on the reference worker's
// evictor/pool split, generalised to the explicit selection algorithm
// this invoker needs.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openwhisk/invoker-pool/internal/accountant"
	"github.com/openwhisk/invoker-pool/internal/common"
	"github.com/openwhisk/invoker-pool/internal/sandbox"
)

// ErrSystemOverloaded is returned when admission cannot be satisfied
// even after evicting everything reclaimable from free.
var ErrSystemOverloaded = errors.New("system overloaded")

// ErrShuttingDown is returned by Submit once Shutdown has been called.
var ErrShuttingDown = errors.New("pool is shutting down")

// WorkItem describes one activation request the pool must place onto a
// container.
type WorkItem struct {
	Kind             string
	ActionID         string
	Rev              string
	Image            string
	MemoryMB         int
	ConcurrencyLimit int
	Env              map[string]string
	Labels           map[string]string
}

// Submission is the outcome of a successful Submit: the container the
// caller should drive, and whether it still needs Init (cold or
// partially-cold start) before Run.
type Submission struct {
	Proxy     *sandbox.Proxy
	ColdStart bool
}

type freeIndex struct {
	order     *list.List // ascending last_used_at; front = LRU
	orderElem map[string]*list.Element
	warm      map[sandbox.ActionKey][]*sandbox.Proxy
	prewarm   map[string][]*sandbox.Proxy
}

func newFreeIndex() *freeIndex {
	return &freeIndex{
		order:     list.New(),
		orderElem: make(map[string]*list.Element),
		warm:      make(map[sandbox.ActionKey][]*sandbox.Proxy),
		prewarm:   make(map[string][]*sandbox.Proxy),
	}
}

// Pool is the Container Pool (spec component C).
type Pool struct {
	mu sync.Mutex

	driver   sandbox.Driver
	acct     *accountant.Accountant
	log      *slog.Logger
	dbg      sandbox.Debugger
	idleName string

	free *freeIndex
	busy map[string]*sandbox.Proxy

	prewarmSpecs        map[string]common.PrewarmSpec
	idleGrace           time.Duration
	pauseFailureRemoves bool
	imageForKind        map[string]string
	runtime             string

	shuttingDown bool
	janitorDone  chan struct{}
}

// New builds a Pool bound to driver, backed by an accountant with the
// given memory budget, and starts its prewarm-age janitor.
// onCorruption, if non-nil, is forwarded to the accountant and fires
// if the accountant's ledger is ever driven negative.
func New(driver sandbox.Driver, memoryLimitMB int, cfg common.PoolConfig, images map[string]string, runtime string, log *slog.Logger, dbg sandbox.Debugger, onCorruption ...func(int)) *Pool {
	specs := make(map[string]common.PrewarmSpec)
	for _, s := range cfg.Prewarm {
		specs[s.Kind] = s
	}

	p := &Pool{
		driver:              driver,
		acct:                accountant.New("pool", memoryLimitMB, log, onCorruption...),
		log:                 log,
		dbg:                 dbg,
		free:                newFreeIndex(),
		busy:                make(map[string]*sandbox.Proxy),
		prewarmSpecs:        specs,
		idleGrace:           time.Duration(cfg.Idle_grace_ms) * time.Millisecond,
		pauseFailureRemoves: cfg.Pause_failure_removes,
		imageForKind:        images,
		runtime:             runtime,
		janitorDone:         make(chan struct{}),
	}

	go p.prewarmJanitor()
	for kind := range specs {
		go p.refillPrewarm(kind)
	}

	return p
}

func (pool *Pool) eventHandlers() []sandbox.EventFunc {
	if pool.dbg == nil {
		return nil
	}
	return []sandbox.EventFunc{pool.dbg.Notify}
}

// Submit runs the selection algorithm and returns a container assigned
// to item, creating or evicting as needed.
func (pool *Pool) Submit(ctx context.Context, item WorkItem) (*Submission, error) {
	key := sandbox.ActionKey{ActionID: item.ActionID, Rev: item.Rev}

	pool.mu.Lock()
	if pool.shuttingDown {
		pool.mu.Unlock()
		return nil, ErrShuttingDown
	}

	if p := pool.popWarmLocked(key); p != nil {
		pool.busy[p.ID()] = p
		pool.mu.Unlock()
		if err := p.Assign(item.Kind, key); err != nil {
			pool.Release(p)
			return nil, err
		}
		return &Submission{Proxy: p, ColdStart: false}, nil
	}

	if p := pool.popPrewarmLocked(item.Kind); p != nil {
		pool.busy[p.ID()] = p
		pool.mu.Unlock()
		if err := p.Assign(item.Kind, key); err != nil {
			pool.Release(p)
			return nil, err
		}
		go pool.refillPrewarm(item.Kind)
		return &Submission{Proxy: p, ColdStart: true}, nil
	}

	shortfall := pool.acct.TryReserve(item.MemoryMB)
	var evicted []*sandbox.Proxy
	if shortfall > 0 {
		evicted = pool.selectEvictionCandidatesLocked(shortfall)
		if evicted == nil {
			pool.mu.Unlock()
			return nil, ErrSystemOverloaded
		}
		for _, p := range evicted {
			pool.removeFromFreeLocked(p)
		}
	}
	pool.mu.Unlock()

	if len(evicted) > 0 {
		reclaimedMB := 0
		for _, p := range evicted {
			reclaimedMB += p.MemMB
			if err := p.Destroy("evicted for admission"); err != nil {
				pool.log.Warn("eviction destroy failed, memory reclaimed anyway", "container", p.ID(), "err", err)
			}
		}
		if s := pool.acct.ReleaseAndReserve(reclaimedMB, item.MemoryMB); s > 0 {
			return nil, ErrSystemOverloaded
		}
	}

	handle, err := pool.driver.Create(ctx, containerName(item, key), item.Image, item.MemoryMB, item.Env, item.Labels)
	if err != nil {
		pool.acct.Release(item.MemoryMB)
		return nil, err
	}

	limit := common.Max(item.ConcurrencyLimit, 1)
	proxy := sandbox.NewProxy(pool.driver, handle, item.Kind, item.MemoryMB, limit, pool.log)
	proxy.SetPauseFailureRemoves(pool.pauseFailureRemoves)
	proxy.StartNotifying(pool.eventHandlers())
	proxy.MarkPrewarmed()

	if err := proxy.Assign(item.Kind, key); err != nil {
		_ = proxy.Destroy("assign failed immediately after create")
		pool.acct.Release(item.MemoryMB)
		return nil, err
	}

	pool.mu.Lock()
	pool.busy[proxy.ID()] = proxy
	pool.mu.Unlock()

	go pool.refillPrewarm(item.Kind)

	return &Submission{Proxy: proxy, ColdStart: true}, nil
}

// Release returns a container to the pool once the runner is done with
// it: back to free if still healthy, destroyed (and its memory
// reclaimed) if it transitioned to Removing.
func (pool *Pool) Release(p *sandbox.Proxy) {
	pool.mu.Lock()
	delete(pool.busy, p.ID())

	state := p.State()
	if state == sandbox.Removing || state == sandbox.Gone {
		pool.mu.Unlock()
		pool.destroyAndRelease(p)
		return
	}

	pool.insertFreeLocked(p)
	pool.mu.Unlock()

	if state == sandbox.Initialized {
		p.ArmIdleGrace(pool.idleGrace)
	}
}

func (pool *Pool) destroyAndRelease(p *sandbox.Proxy) {
	mb := p.MemMB
	if err := p.Destroy("released while unhealthy"); err != nil {
		pool.log.Warn("destroy on release failed, memory reclaimed anyway", "container", p.ID(), "err", err)
	}
	pool.acct.Release(mb)
}

func (pool *Pool) popWarmLocked(key sandbox.ActionKey) *sandbox.Proxy {
	stack := pool.free.warm[key]
	if len(stack) == 0 {
		return nil
	}
	p := stack[len(stack)-1]
	pool.free.warm[key] = stack[:len(stack)-1]
	pool.removeFromOrderLocked(p)
	return p
}

func (pool *Pool) popPrewarmLocked(kind string) *sandbox.Proxy {
	stack := pool.free.prewarm[kind]
	if len(stack) == 0 {
		return nil
	}
	p := stack[len(stack)-1]
	pool.free.prewarm[kind] = stack[:len(stack)-1]
	pool.removeFromOrderLocked(p)
	return p
}

func (pool *Pool) removeFromOrderLocked(p *sandbox.Proxy) {
	if elem, ok := pool.free.orderElem[p.ID()]; ok {
		pool.free.order.Remove(elem)
		delete(pool.free.orderElem, p.ID())
	}
}

// removeFromFreeLocked removes p from whichever secondary index it's
// currently in, used when the eviction path selects it directly out of
// order.
func (pool *Pool) removeFromFreeLocked(p *sandbox.Proxy) {
	pool.removeFromOrderLocked(p)

	key := p.AssignedTo()
	if stack := pool.free.warm[key]; len(stack) > 0 {
		pool.free.warm[key] = removeProxy(stack, p)
	}
	if stack := pool.free.prewarm[p.Kind]; len(stack) > 0 {
		pool.free.prewarm[p.Kind] = removeProxy(stack, p)
	}
}

func removeProxy(stack []*sandbox.Proxy, target *sandbox.Proxy) []*sandbox.Proxy {
	for i, p := range stack {
		if p == target {
			return append(stack[:i], stack[i+1:]...)
		}
	}
	return stack
}

func (pool *Pool) insertFreeLocked(p *sandbox.Proxy) {
	elem := pool.free.order.PushBack(p)
	pool.free.orderElem[p.ID()] = elem

	if p.State() == sandbox.Prewarmed {
		pool.free.prewarm[p.Kind] = append(pool.free.prewarm[p.Kind], p)
		return
	}
	key := p.AssignedTo()
	pool.free.warm[key] = append(pool.free.warm[key], p)
}

// selectEvictionCandidatesLocked walks the free set in ascending
// last_used_at order, collecting containers until their combined
// memory covers shortfall MB; it returns nil if the whole free set
// isn't enough.
func (pool *Pool) selectEvictionCandidatesLocked(shortfall int) []*sandbox.Proxy {
	var candidates []*sandbox.Proxy
	reclaimable := 0
	for e := pool.free.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(*sandbox.Proxy)
		candidates = append(candidates, p)
		reclaimable += p.MemMB
		if reclaimable >= shortfall {
			return candidates
		}
	}
	return nil
}

func containerName(item WorkItem, key sandbox.ActionKey) string {
	return fmt.Sprintf("ow-%s-%s-%s", item.Kind, key.ActionID, key.Rev)
}

// refillPrewarm tops kind back up to its configured target count,
// deferred behind spare accountant budget: it stops the moment a
// reservation is refused rather than blocking real work.
func (pool *Pool) refillPrewarm(kind string) {
	spec, ok := pool.prewarmSpecs[kind]
	if !ok {
		return
	}
	image, ok := pool.imageForKind[kind]
	if !ok {
		pool.log.Warn("no image configured for prewarm kind, skipping refill", "kind", kind)
		return
	}

	for {
		pool.mu.Lock()
		current := len(pool.free.prewarm[kind])
		pool.mu.Unlock()
		if current >= spec.Count {
			return
		}

		if shortfall := pool.acct.TryReserve(spec.Memory_mb); shortfall > 0 {
			return
		}

		handle, err := pool.driver.Create(context.Background(), fmt.Sprintf("ow-prewarm-%s", kind), image, spec.Memory_mb, nil, nil)
		if err != nil {
			pool.acct.Release(spec.Memory_mb)
			pool.log.Warn("prewarm create failed", "kind", kind, "err", err)
			return
		}

		proxy := sandbox.NewProxy(pool.driver, handle, kind, spec.Memory_mb, 1, pool.log)
		proxy.SetPauseFailureRemoves(pool.pauseFailureRemoves)
		proxy.StartNotifying(pool.eventHandlers())
		proxy.MarkPrewarmed()

		pool.mu.Lock()
		pool.insertFreeLocked(proxy)
		pool.mu.Unlock()
	}
}

// prewarmJanitor destroys and replaces prewarmed containers that have
// aged past their kind's max_age_s.
func (pool *Pool) prewarmJanitor() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-pool.janitorDone:
			return
		case <-ticker.C:
			pool.sweepAgedPrewarm()
		}
	}
}

func (pool *Pool) sweepAgedPrewarm() {
	now := time.Now()

	var aged []*sandbox.Proxy
	pool.mu.Lock()
	for kind, stack := range pool.free.prewarm {
		spec, ok := pool.prewarmSpecs[kind]
		if !ok || spec.Max_age_s <= 0 {
			continue
		}
		maxAge := time.Duration(spec.Max_age_s) * time.Second
		var kept []*sandbox.Proxy
		for _, p := range stack {
			if now.Sub(p.CreatedAt()) > maxAge {
				aged = append(aged, p)
				pool.removeFromOrderLocked(p)
			} else {
				kept = append(kept, p)
			}
		}
		pool.free.prewarm[kind] = kept
	}
	pool.mu.Unlock()

	for _, p := range aged {
		kind := p.Kind
		pool.destroyAndRelease(p)
		go pool.refillPrewarm(kind)
	}
}

// Shutdown stops accepting new work, drains busy containers up to
// grace, then destroys everything still alive.
func (pool *Pool) Shutdown(grace time.Duration) {
	pool.mu.Lock()
	pool.shuttingDown = true
	pool.mu.Unlock()
	close(pool.janitorDone)

	deadline := time.Now().Add(grace)
	for {
		pool.mu.Lock()
		remaining := len(pool.busy)
		pool.mu.Unlock()
		if remaining == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	pool.mu.Lock()
	var all []*sandbox.Proxy
	for _, p := range pool.busy {
		all = append(all, p)
	}
	for e := pool.free.order.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(*sandbox.Proxy))
	}
	pool.busy = make(map[string]*sandbox.Proxy)
	pool.free = newFreeIndex()
	pool.mu.Unlock()

	for _, p := range all {
		if err := p.Destroy("pool shutdown"); err != nil {
			pool.log.Warn("shutdown destroy failed", "container", p.ID(), "err", err)
		}
		pool.acct.Release(p.MemMB)
	}
}

// Stats reports a lightweight snapshot for the admin server.
func (pool *Pool) Stats() map[string]int {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	freeCount := pool.free.order.Len()
	return map[string]int{
		"busy":          len(pool.busy),
		"free":          freeCount,
		"memory_used_mb": pool.acct.UsedMB(),
		"memory_limit_mb": pool.acct.LimitMB(),
	}
}
