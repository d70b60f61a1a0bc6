package server

import "time"

// timerNode is one entry in the sorted-by-deadline singly linked list
// described in spec.md §4.5/§9: O(n) insertion, acceptable given small
// timer counts, always fires earliest-first.
type timerNode[S any] struct {
	deadline time.Time
	interval time.Duration // zero for one-shot timers
	f        func(*EventLoop[S])
	cancel   bool
	next     *timerNode[S]
}

// TimerHandle lets a caller cancel a timer it previously scheduled.
type TimerHandle struct {
	cancelFn func()
}

// Cancel prevents the timer from firing again.
func (h *TimerHandle) Cancel() {
	if h != nil && h.cancelFn != nil {
		h.cancelFn()
	}
}

type timerList[S any] struct {
	head *timerNode[S]
}

func newTimerList[S any]() *timerList[S] {
	return &timerList[S]{}
}

func (tl *timerList[S]) insert(n *timerNode[S]) {
	if tl.head == nil || n.deadline.Before(tl.head.deadline) {
		n.next = tl.head
		tl.head = n
		return
	}
	cur := tl.head
	for cur.next != nil && !n.deadline.Before(cur.next.deadline) {
		cur = cur.next
	}
	n.next = cur.next
	cur.next = n
}

// after schedules f to run once, approximately delta from now.
func (tl *timerList[S]) after(delta time.Duration, f func(*EventLoop[S])) *TimerHandle {
	n := &timerNode[S]{deadline: time.Now().Add(delta), f: f}
	tl.insert(n)
	return &TimerHandle{cancelFn: func() { n.cancel = true }}
}

// every schedules f to run repeatedly, rearming itself each time it fires.
func (tl *timerList[S]) every(interval time.Duration, f func(*EventLoop[S])) *TimerHandle {
	n := &timerNode[S]{deadline: time.Now().Add(interval), interval: interval, f: f}
	tl.insert(n)
	return &TimerHandle{cancelFn: func() { n.cancel = true }}
}

// nextTimeout returns how long Wait's epoll_wait call should block before
// the earliest live timer needs to fire, in milliseconds, or false if no
// timer is pending.
func (tl *timerList[S]) nextTimeout() (int, bool) {
	for tl.head != nil && tl.head.cancel {
		tl.head = tl.head.next
	}
	if tl.head == nil {
		return 0, false
	}
	d := time.Until(tl.head.deadline)
	if d < 0 {
		d = 0
	}
	return int(d.Milliseconds()), true
}

// fireDue fires (and, for repeating timers, reschedules) every timer
// whose deadline has passed, per the spec's "a fired one-shot timer
// unregisters itself after the callback returns" rule.
func (tl *timerList[S]) fireDue(el *EventLoop[S]) int {
	fired := 0
	now := time.Now()
	for tl.head != nil && !tl.head.deadline.After(now) {
		n := tl.head
		tl.head = n.next
		n.next = nil
		if n.cancel {
			continue
		}
		n.f(el)
		fired++
		if n.interval > 0 && !n.cancel {
			n.deadline = now.Add(n.interval)
			tl.insert(n)
		}
	}
	return fired
}

// After schedules a one-shot timer on the loop.
func (el *EventLoop[S]) After(delta time.Duration, f func(*EventLoop[S])) *TimerHandle {
	return el.timers.after(delta, f)
}

// Every schedules a repeating timer on the loop.
func (el *EventLoop[S]) Every(interval time.Duration, f func(*EventLoop[S])) *TimerHandle {
	return el.timers.every(interval, f)
}
