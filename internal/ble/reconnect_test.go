package ble

import (
	"testing"
	"time"
)

func TestReconnectPolicyDisabled(t *testing.T) {
	p := reconnectPolicy{delay: time.Millisecond}
	if p.arm(func(uint64) { t.Error("disabled policy fired") }) {
		t.Fatal("arm() = true for a disabled policy")
	}
	if p.armed() {
		t.Error("armed() = true for a disabled policy")
	}
	time.Sleep(10 * time.Millisecond)
}

func TestReconnectPolicyFiresOnce(t *testing.T) {
	p := reconnectPolicy{enabled: true, delay: 10 * time.Millisecond}
	fired := make(chan uint64, 1)
	if !p.arm(func(tok uint64) { fired <- tok }) {
		t.Fatal("arm() = false")
	}

	select {
	case tok := <-fired:
		if !p.take(tok) {
			t.Fatal("take() rejected the current token")
		}
		if p.take(tok) {
			t.Error("take() accepted the same token twice")
		}
		if p.armed() {
			t.Error("armed() = true after take")
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestReconnectPolicyCancelInvalidatesFiredTimer(t *testing.T) {
	p := reconnectPolicy{enabled: true, delay: time.Millisecond}
	fired := make(chan uint64, 1)
	p.arm(func(tok uint64) { fired <- tok })

	tok := <-fired
	// The callback ran but has not been taken; cancel must still win.
	p.cancel()
	if p.take(tok) {
		t.Error("take() accepted a cancelled token")
	}
}

func TestReconnectPolicyRearmReplacesTimer(t *testing.T) {
	p := reconnectPolicy{enabled: true, delay: time.Millisecond}
	fired := make(chan uint64, 2)
	p.arm(func(tok uint64) { fired <- tok })
	first := <-fired

	p.arm(func(tok uint64) { fired <- tok })
	second := <-fired

	if p.take(first) {
		t.Error("take() accepted the token of a replaced timer")
	}
	if !p.take(second) {
		t.Error("take() rejected the token of the current timer")
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := newBroker()
	slow, cancelSlow := b.subscribe(1)
	fast, cancelFast := b.subscribe(8)
	defer cancelSlow()
	defer cancelFast()

	for i := 0; i < 3; i++ {
		b.publish(Event{Kind: EventBattery, Battery: i})
	}

	if n := len(slow); n != 1 {
		t.Errorf("slow subscriber buffered %d events, want 1", n)
	}
	if n := len(fast); n != 3 {
		t.Errorf("fast subscriber buffered %d events, want 3", n)
	}
	if ev := <-slow; ev.Battery != 0 {
		t.Errorf("slow subscriber got battery %d, want the first event", ev.Battery)
	}
}

func TestBrokerCancelAndClose(t *testing.T) {
	b := newBroker()
	ch, cancel := b.subscribe(4)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("cancelled subscription channel still open")
	}

	other, _ := b.subscribe(4)
	b.close()
	b.close()
	if _, ok := <-other; ok {
		t.Error("channel still open after close")
	}

	late, _ := b.subscribe(4)
	if _, ok := <-late; ok {
		t.Error("subscribe after close returned an open channel")
	}
	b.publish(Event{Kind: EventState})
}
