package chat

import (
	"sync"
	"time"
)

// defaultTypingWindow is the debounce window for outbound typing signals: at
// most one "is typing" per window, and a synthetic "stopped" fires when no
// keystroke activity renews the window.
const defaultTypingWindow = 3 * time.Second

// typingDebouncer coalesces per-conversation typing signals.
//
// send is invoked outside the lock so implementations may do network IO.
type typingDebouncer struct {
	window time.Duration
	send   func(convID string, isTyping bool)

	mu     sync.Mutex
	closed bool
	convs  map[string]*typingConvState
}

type typingConvState struct {
	active     bool
	lastSentAt time.Time
	timer      *time.Timer
}

func newTypingDebouncer(window time.Duration, send func(convID string, isTyping bool)) *typingDebouncer {
	if window <= 0 {
		window = defaultTypingWindow
	}
	return &typingDebouncer{
		window: window,
		send:   send,
		convs:  make(map[string]*typingConvState),
	}
}

// Typing registers keystroke activity (isTyping true) or an explicit stop.
// Activity within the window of the previous signal only renews the timer;
// the outbound call is coalesced. Sustained typing re-emits once per window
// so peers whose indicators expire on a timeout keep seeing it.
func (d *typingDebouncer) Typing(convID string, isTyping bool) {
	now := time.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	st := d.convs[convID]
	if st == nil {
		st = &typingConvState{}
		d.convs[convID] = st
	}

	if !isTyping {
		wasActive := st.active
		st.active = false
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		d.mu.Unlock()

		if wasActive {
			d.send(convID, false)
		}
		return
	}

	emit := !st.active || now.Sub(st.lastSentAt) >= d.window
	st.active = true
	if emit {
		st.lastSentAt = now
	}
	if st.timer == nil {
		st.timer = time.AfterFunc(d.window, func() { d.expire(convID) })
	} else {
		st.timer.Reset(d.window)
	}
	d.mu.Unlock()

	if emit {
		d.send(convID, true)
	}
}

// expire fires the synthetic "stopped typing" after a quiet window.
func (d *typingDebouncer) expire(convID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	st := d.convs[convID]
	if st == nil || !st.active {
		d.mu.Unlock()
		return
	}
	st.active = false
	st.timer = nil
	d.mu.Unlock()

	d.send(convID, false)
}

// Close stops all pending timers. No synthetic stops are emitted.
func (d *typingDebouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for _, st := range d.convs {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}
