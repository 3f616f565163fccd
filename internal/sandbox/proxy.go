package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is one point in the Container Proxy's lifecycle state machine.
type State int

const (
	Starting State = iota
	Prewarmed
	Initialized
	Running
	Paused
	Removing
	Gone
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Prewarmed:
		return "prewarmed"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Removing:
		return "removing"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// ActionKey identifies the (action, revision) a container is warm for.
type ActionKey struct {
	ActionID string
	Rev      string
}

// Proxy is the Container Proxy (spec component B): one instance per live
// container, owning its container record exclusively and serialising all
// operations against it behind a mutex, the way the reference repo's
// safeSandbox wraps a raw Sandbox to make it safe to share.
type Proxy struct {
	mu sync.Mutex

	driver Driver
	log    *slog.Logger

	handle  *Handle
	Kind    string
	MemMB   int
	Limit   int // concurrent-activation limit
	created time.Time

	state      State
	assignedTo ActionKey
	inFlight   int
	lastUsedAt time.Time
	unusable   bool

	dead          error
	pauseFailureRemoves bool
	idleTimer     *time.Timer
	eventHandlers []EventFunc
}

// NewProxy wraps a freshly created Handle as a Starting proxy. Callers
// must call StartNotifying once setup (if any) has completed, mirroring
// the reference repo's two-step safeSandbox construction.
func NewProxy(driver Driver, h *Handle, kind string, memMB, limit int, log *slog.Logger) *Proxy {
	return &Proxy{
		driver:     driver,
		log:        log,
		handle:     h,
		Kind:       kind,
		MemMB:      memMB,
		Limit:      limit,
		created:    time.Now(),
		state:      Starting,
		lastUsedAt: time.Now(),
	}
}

// SetPauseFailureRemoves wires the pause_failure_removes config flag
// (spec Open Question a).
func (p *Proxy) SetPauseFailureRemoves(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauseFailureRemoves = v
}

// StartNotifying arms event delivery; see NewProxy.
func (p *Proxy) StartNotifying(handlers []EventFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventHandlers = handlers
	p.emit(EvCreate)
}

func (p *Proxy) emit(t EventType) {
	for _, h := range p.eventHandlers {
		h(Event{Type: t, Proxy: p})
	}
}

func (p *Proxy) printf(format string, args ...any) {
	p.log.Debug(fmt.Sprintf(format, args...), "container", p.handle.ID)
}

// ID returns the underlying sandbox identity.
func (p *Proxy) ID() string { return p.handle.ID }

// Address returns the host:port the runner should talk to.
func (p *Proxy) Address() string { return p.handle.Address }

// State returns the current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastUsedAt returns the monotonic timestamp of the last Running->Idle
// transition. The pool does not read it: its LRU order is the order in
// which containers were returned to its free set.
func (p *Proxy) LastUsedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsedAt
}

// InFlight returns the current concurrent-activation count.
func (p *Proxy) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// CreatedAt returns when the underlying container was created, used by
// the pool's prewarm janitor to enforce max-age.
func (p *Proxy) CreatedAt() time.Time { return p.created }

// AssignedTo returns the action this container is currently warm for.
func (p *Proxy) AssignedTo() ActionKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assignedTo
}

// MarkPrewarmed transitions Starting -> Prewarmed after a successful
// driver Create (no action code loaded yet).
func (p *Proxy) MarkPrewarmed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Starting {
		p.state = Prewarmed
	}
}

// Assign moves a Prewarmed or matching-Initialized container onto an
// action, ahead of Init/Run. Mismatched-kind assign is a programming
// error, matching the reference repo's panic-on-misuse style for
// internal contract violations (not a recoverable runtime condition).
func (p *Proxy) Assign(kind string, key ActionKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return p.dead
	}
	if p.Kind != kind {
		panic(fmt.Sprintf("assign kind mismatch: proxy is %s, action wants %s", p.Kind, kind))
	}
	if p.state != Prewarmed && !(p.state == Initialized && p.assignedTo == key) {
		return fmt.Errorf("cannot assign container in state %s", p.state)
	}
	p.cancelIdleTimer()
	p.assignedTo = key
	return nil
}

// NeedsInit reports whether Run must be preceded by an Init call.
func (p *Proxy) NeedsInit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Prewarmed
}

// Init posts action code to the container and transitions it to
// Initialized on success, or Removing (fatal) on failure.
func (p *Proxy) Init(ctx context.Context, code CodeDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return p.dead
	}
	if p.state != Prewarmed {
		return fmt.Errorf("cannot init container in state %s", p.state)
	}

	if err := p.driver.Init(ctx, p.handle, code); err != nil {
		p.destroyOnErrLocked("Init", err)
		return err
	}

	p.state = Initialized
	return nil
}

// Run executes one activation against the container; allowed from
// Initialized, or from Running with spare concurrency headroom.
func (p *Proxy) Run(ctx context.Context, argsJSON []byte, deadline time.Time) (*RunResult, error) {
	p.mu.Lock()
	if p.dead != nil {
		p.mu.Unlock()
		return nil, p.dead
	}
	switch p.state {
	case Initialized:
		p.state = Running
	case Running:
		if p.inFlight >= p.Limit {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w (%d)", ErrConcurrencyLimit, p.Limit)
		}
	default:
		p.mu.Unlock()
		return nil, fmt.Errorf("cannot run container in state %s", p.state)
	}
	p.inFlight++
	p.mu.Unlock()

	result, err := p.driver.Run(ctx, p.handle, argsJSON, deadline)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight--

	if err != nil {
		if re, ok := err.(*RunError); ok && re.Kind == RunTimeout {
			// non-fatal classification, but the container is no
			// longer trusted: always removing after a user-code
			// timeout.
			p.transitionRemovingLocked("Run timeout")
			return nil, err
		}
		p.destroyOnErrLocked("Run", err)
		return nil, err
	}

	if p.inFlight == 0 {
		p.state = Initialized
		p.lastUsedAt = time.Now()
	}
	return result, nil
}

// ArmIdleGrace starts (or restarts) the idle-grace timer; on fire, Pause
// is attempted. Call only while Initialized with inFlight == 0.
func (p *Proxy) ArmIdleGrace(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelIdleTimer()
	if p.state != Initialized {
		return
	}
	p.idleTimer = time.AfterFunc(d, func() {
		_ = p.Pause(context.Background())
	})
}

func (p *Proxy) cancelIdleTimer() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// Pause is best-effort: failure never corrupts state (unless the
// pause_failure_removes config flag requests otherwise), matching the
// reference repo's tolerant default.
func (p *Proxy) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return p.dead
	}
	if p.state != Initialized {
		return nil
	}

	if err := p.driver.Pause(ctx, p.handle); err != nil {
		if p.pauseFailureRemoves {
			p.destroyOnErrLocked("Pause", err)
		}
		return err
	}

	p.state = Paused
	p.emit(EvPause)
	return nil
}

// Resume must succeed before any further Run; failure is always fatal.
func (p *Proxy) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return p.dead
	}
	if p.state != Paused {
		return nil
	}

	if err := p.driver.Resume(ctx, p.handle); err != nil {
		p.destroyOnErrLocked("Resume", err)
		return err
	}

	p.state = Initialized
	p.emit(EvUnpause)
	return nil
}

// transitionRemovingLocked marks the proxy Removing without destroying
// it yet; the pool is responsible for calling Destroy once it has
// removed the proxy from its free/busy indices.
func (p *Proxy) transitionRemovingLocked(reason string) {
	if p.dead != nil {
		return
	}
	p.printf("transition to Removing: %s", reason)
	p.cancelIdleTimer()
	p.state = Removing
	p.emit(EvFatal)
}

func (p *Proxy) destroyOnErrLocked(op string, err error) {
	if p.dead != nil {
		return
	}
	p.printf("fatal %s: %v", op, err)
	p.cancelIdleTimer()
	p.state = Removing
	p.emit(EvFatal)
}

// Destroy is idempotent and final: it always attempts the driver-level
// teardown exactly once and marks the proxy Gone regardless of outcome,
// so the pool can release accounted memory even on partial failure.
func (p *Proxy) Destroy(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return nil
	}

	err := p.driver.Destroy(p.handle)
	p.state = Gone
	p.dead = DeadError(fmt.Sprintf("destroyed: %s", reason))
	p.emit(EvDestroy)
	return err
}

// Logs streams normalized log lines for this container since the given
// time, delegating directly to the driver; callers (the runner) apply
// the sentinel-wait/fallback policy, not the proxy.
func (p *Proxy) Logs(ctx context.Context, since time.Time) (<-chan LogLine, error) {
	p.mu.Lock()
	h := p.handle
	dead := p.dead
	p.mu.Unlock()
	if dead != nil {
		return nil, dead
	}
	return p.driver.Logs(ctx, h, since)
}

// DebugString renders a one-line-per-container snapshot for admin
// introspection, the way the reference repo's DebugString does.
func (p *Proxy) DebugString() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return fmt.Sprintf("SANDBOX %s is GONE: %s", p.handle.ID, p.dead.Error())
	}
	return fmt.Sprintf("SANDBOX %s kind=%s state=%s in_flight=%d mem_mb=%d assigned=%s/%s",
		p.handle.ID, p.Kind, p.state, p.inFlight, p.MemMB, p.assignedTo.ActionID, p.assignedTo.Rev)
}
