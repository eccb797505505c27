// Package simtest provides a deterministic fake simkernel.Kernel for unit
// tests: a virtual clock, a FIFO event queue, and loopback gates. Grounded
// on the teacher's testing/servers pattern of an in-process fake
// collaborator (transport/internet/sockopt_test.go dials a fake tcp.Server
// rather than a real network) — here the fake collaborator is the
// discrete-event simulator itself.
package simtest

import (
	"math/rand"
	"sort"
	"time"

	"github.com/inetsim/stack/simkernel"
)

type event struct {
	at  simkernel.Time
	fn  func()
	seq int
	rm  bool
}

// Kernel is a single-threaded, deterministic simkernel.Kernel. Advance
// drives it forward; nothing here touches the wall clock.
type Kernel struct {
	now    simkernel.Time
	events []*event
	seq    int
	rng    *rand.Rand
	gates  map[string]*LoopbackGate
}

// NewKernel returns a Kernel seeded for reproducible test runs.
func NewKernel(seed int64) *Kernel {
	return &Kernel{
		rng:   rand.New(rand.NewSource(seed)),
		gates: make(map[string]*LoopbackGate),
	}
}

func (k *Kernel) Now() simkernel.Time { return k.now }

func (k *Kernel) ScheduleAt(at simkernel.Time, fn func()) simkernel.EventHandle {
	if at < k.now {
		at = k.now
	}
	e := &event{at: at, fn: fn, seq: k.seq}
	k.seq++
	k.events = append(k.events, e)
	return e
}

func (e *event) Cancel() { e.rm = true }

func (k *Kernel) Intn(n int) int    { return k.rng.Intn(n) }
func (k *Kernel) Uint32() uint32    { return k.rng.Uint32() }

// Gate returns the named loopback gate registered with AddGate, or false
// if there is none.
func (k *Kernel) Gate(name string) (simkernel.Gate, bool) {
	g, ok := k.gates[name]
	if !ok {
		return nil, false
	}
	return g, true
}

// AddGate registers a loopback gate of the given name, bitrate and latency.
// Frames sent on it are delivered to handler after latency elapses.
func (k *Kernel) AddGate(name string, bitrate uint64, latency time.Duration, handler func(*simkernel.Message)) *LoopbackGate {
	g := &LoopbackGate{name: name, bitrate: bitrate, latency: latency, kernel: k, handler: handler}
	k.gates[name] = g
	return g
}

// Advance runs the event loop until no event remains at or before until.
func (k *Kernel) Advance(until simkernel.Time) {
	for {
		idx := k.nextIndex(until)
		if idx < 0 {
			k.now = until
			return
		}
		e := k.events[idx]
		k.events = append(k.events[:idx], k.events[idx+1:]...)
		k.now = e.at
		if !e.rm {
			e.fn()
		}
	}
}

// Run executes all pending events regardless of their timestamp, advancing
// the clock to each in turn; useful for draining a burst of zero-delay
// loopback deliveries.
func (k *Kernel) Run(maxSteps int) {
	for i := 0; i < maxSteps; i++ {
		if len(k.events) == 0 {
			return
		}
		idx := k.earliestIndex()
		if idx < 0 {
			k.events = nil
			return
		}
		e := k.events[idx]
		k.events = append(k.events[:idx], k.events[idx+1:]...)
		k.now = e.at
		if !e.rm {
			e.fn()
		}
	}
}

func (k *Kernel) nextIndex(until simkernel.Time) int {
	best := -1
	for i, e := range k.events {
		if e.rm {
			continue
		}
		if e.at > until {
			continue
		}
		if best == -1 || earlier(e, k.events[best]) {
			best = i
		}
	}
	return best
}

func (k *Kernel) earliestIndex() int {
	best := -1
	for i, e := range k.events {
		if e.rm {
			continue
		}
		if best == -1 || earlier(e, k.events[best]) {
			best = i
		}
	}
	return best
}

func earlier(a, b *event) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.seq < b.seq
}

// sortedTimes is a debugging helper returning pending event times in order.
func (k *Kernel) sortedTimes() []simkernel.Time {
	ts := make([]simkernel.Time, 0, len(k.events))
	for _, e := range k.events {
		if !e.rm {
			ts = append(ts, e.at)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

// LoopbackGate is a simkernel.Gate that delivers directly to an in-process
// handler after its configured latency, modeling a point-to-point link
// between two simulated nodes in the same test process.
type LoopbackGate struct {
	name    string
	bitrate uint64
	latency time.Duration
	kernel  *Kernel
	handler func(*simkernel.Message)
}

func (g *LoopbackGate) Name() string             { return g.name }
func (g *LoopbackGate) Bitrate() uint64           { return g.bitrate }
func (g *LoopbackGate) Latency() time.Duration    { return g.latency }

func (g *LoopbackGate) Send(msg *simkernel.Message) error {
	g.kernel.ScheduleAt(g.kernel.now.Add(g.latency), func() {
		if g.handler != nil {
			g.handler(msg)
		}
	})
	return nil
}
