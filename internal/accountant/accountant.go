// Package accountant tracks aggregate container memory against a
// configured limit through a single-writer goroutine, the way the
// reference worker's MemPool serialises its memory ledger behind one
// task reading off a channel.
package accountant

import (
	"fmt"
	"log/slog"
)

// Accountant is the Resource Accountant (spec component F). try_reserve
// and release are totally ordered by routing through one internal
// goroutine; callers never see partial or racing updates to
// memory_used_mb.
type Accountant struct {
	name    string
	limitMB int
	log     *slog.Logger

	reqs chan *reserveReq
	rels chan int
	gets chan chan snapshot

	onCorruption func(overBy int)
}

type snapshot struct {
	usedMB  int
	limitMB int
}

type reserveReq struct {
	releaseMB int
	mb        int
	resp      chan int // shortfall; 0 means the reservation succeeded
}

// New starts the accounting goroutine for a pool with the given memory
// budget. onCorruption, if non-nil, is invoked (off the accounting
// goroutine) each time a release exceeds what was ever reserved -
// an invariant breach the process cannot safely continue past, per
// the fatal-exit-code policy in the process entrypoint.
func New(name string, limitMB int, log *slog.Logger, onCorruption ...func(overBy int)) *Accountant {
	a := &Accountant{
		name:    name,
		limitMB: limitMB,
		log:     log,
		reqs:    make(chan *reserveReq, 64),
		rels:    make(chan int, 64),
		gets:    make(chan chan snapshot),
	}
	if len(onCorruption) > 0 {
		a.onCorruption = onCorruption[0]
	}
	go a.run()
	return a
}

func (a *Accountant) run() {
	usedMB := 0

	release := func(mb int) {
		usedMB -= mb
		if usedMB < 0 {
			overBy := -usedMB
			a.log.Error("accountant released more memory than reserved", "pool", a.name, "over_by", overBy)
			usedMB = 0
			if a.onCorruption != nil {
				go a.onCorruption(overBy)
			}
		}
	}
	// releases already queued are applied before a reservation or a
	// snapshot is answered, so a caller that has returned from Release
	// sees its effect in its next TryReserve or UsedMB.
	drainReleases := func() {
		for {
			select {
			case mb := <-a.rels:
				release(mb)
			default:
				return
			}
		}
	}

	for {
		select {
		case req := <-a.reqs:
			drainReleases()
			usedMB -= req.releaseMB
			if usedMB < 0 {
				usedMB = 0
			}
			if usedMB+req.mb <= a.limitMB {
				usedMB += req.mb
				req.resp <- 0
			} else {
				shortfall := (usedMB + req.mb) - a.limitMB
				req.resp <- shortfall
			}
		case mb := <-a.rels:
			release(mb)
		case ch := <-a.gets:
			drainReleases()
			ch <- snapshot{usedMB: usedMB, limitMB: a.limitMB}
		}
	}
}

// TryReserve attempts to reserve mb megabytes; on success it returns 0
// and the reservation is already reflected in UsedMB. On failure it
// returns the shortfall (how many additional MB the caller would need
// to free, e.g. via eviction, for the reservation to succeed) and
// reserves nothing.
func (a *Accountant) TryReserve(mb int) (shortfall int) {
	if mb < 0 {
		panic(fmt.Sprintf("accountant: negative reservation %d", mb))
	}
	req := &reserveReq{mb: mb, resp: make(chan int, 1)}
	a.reqs <- req
	return <-req.resp
}

// ReleaseAndReserve atomically returns releaseMB and then attempts to
// reserve mb, as one totally-ordered step. The pool uses this after
// evicting containers to make room for a new one, so no concurrent
// TryReserve can slip in and claim the memory the eviction just freed
// before the pool gets to spend it.
func (a *Accountant) ReleaseAndReserve(releaseMB, mb int) (shortfall int) {
	if releaseMB < 0 || mb < 0 {
		panic(fmt.Sprintf("accountant: negative amount in release=%d reserve=%d", releaseMB, mb))
	}
	req := &reserveReq{releaseMB: releaseMB, mb: mb, resp: make(chan int, 1)}
	a.reqs <- req
	return <-req.resp
}

// Release returns mb megabytes to the pool; used both for normal
// container teardown and to compensate a reservation the pool decided
// not to use after all (e.g. container creation failed).
func (a *Accountant) Release(mb int) {
	if mb < 0 {
		panic(fmt.Sprintf("accountant: negative release %d", mb))
	}
	if mb == 0 {
		return
	}
	a.rels <- mb
}

// UsedMB returns the current reserved total.
func (a *Accountant) UsedMB() int {
	ch := make(chan snapshot, 1)
	a.gets <- ch
	return (<-ch).usedMB
}

// LimitMB returns the configured cap.
func (a *Accountant) LimitMB() int {
	return a.limitMB
}
