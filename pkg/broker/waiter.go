package broker

// waiter is a single-slot mailbox for one blocked node. Fields other than
// signal are guarded by the broker mutex.
type waiter struct {
	signal  chan struct{}
	message string
	filled  bool
}

func newWaiter() *waiter {
	return &waiter{signal: make(chan struct{}, 1)}
}

// deliver stores msg, replacing any unconsumed one, and wakes the owner.
// Must be called with the broker mutex held.
func (w *waiter) deliver(msg string) {
	w.message = msg
	w.filled = true
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// take returns the stored message and empties the slot.
// Must be called with the broker mutex held.
func (w *waiter) take() (string, bool) {
	if !w.filled {
		return "", false
	}
	msg := w.message
	w.message = ""
	w.filled = false
	return msg, true
}
