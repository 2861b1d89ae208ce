package ble

import "time"

// reconnectPolicy arms a single-shot timer after an unexpected drop. It is
// owned by the Manager's event loop and never touched from other goroutines;
// only the timer callback runs elsewhere, and it goes back through the loop.
//
// There is no backoff: while the tumbler stays out of range the Manager
// retries every delay.
type reconnectPolicy struct {
	enabled bool
	delay   time.Duration
	timer   *time.Timer
	token   uint64
}

// arm (re)schedules fire after the policy delay. It reports false when the
// policy is disabled. fire receives a token that must be passed to take.
func (p *reconnectPolicy) arm(fire func(token uint64)) bool {
	if !p.enabled {
		return false
	}
	p.cancel()
	tok := p.token
	p.timer = time.AfterFunc(p.delay, func() { fire(tok) })
	return true
}

// cancel invalidates any armed timer, including one that already fired
// but whose callback has not reached the loop yet.
func (p *reconnectPolicy) cancel() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.token++
}

// take consumes a fired timer. It reports whether tok is still current.
func (p *reconnectPolicy) take(tok uint64) bool {
	if p.timer == nil || tok != p.token {
		return false
	}
	p.timer = nil
	p.token++
	return true
}

func (p *reconnectPolicy) armed() bool { return p.timer != nil }
