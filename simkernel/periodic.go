package simkernel

import "time"

// Periodic re-arms Execute every Interval of simulated time until Close is
// called. It mirrors the teacher's common/task.Periodic (Interval/Execute,
// Start/Close, running flag) with the real-time timer swapped for the
// kernel's Scheduler, since nothing in this module may block on a wall
// clock.
type Periodic struct {
	Interval time.Duration
	Execute  func() error
	Sched    Scheduler

	handle  EventHandle
	running bool
}

// Start begins the periodic schedule, running Execute once immediately.
func (p *Periodic) Start() error {
	if p.running {
		return nil
	}
	p.running = true
	return p.tick()
}

func (p *Periodic) tick() error {
	if !p.running {
		return nil
	}
	err := p.Execute()
	if err != nil || !p.running {
		return err
	}
	clk, _ := p.Sched.(Clock)
	var at Time
	if clk != nil {
		at = clk.Now().Add(p.Interval)
	}
	p.handle = p.Sched.ScheduleAt(at, func() { _ = p.tick() })
	return nil
}

// Close stops further re-arming.
func (p *Periodic) Close() error {
	p.running = false
	if p.handle != nil {
		p.handle.Cancel()
		p.handle = nil
	}
	return nil
}
