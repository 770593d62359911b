package durable

import "sync"

// notifier wakes local waiters when a key they watch may have changed.
// A wakeup only means "look again"; the store stays the source of truth.
type notifier struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string]map[chan struct{}]struct{})}
}

func (n *notifier) subscribe(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.waiters[key] == nil {
		n.waiters[key] = make(map[chan struct{}]struct{})
	}

	n.waiters[key][ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		delete(n.waiters[key], ch)

		if len(n.waiters[key]) == 0 {
			delete(n.waiters, key)
		}
	}
}

func (n *notifier) broadcast(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func signalKey(workflowID, topic string) string {
	return "signal\x00" + workflowID + "\x00" + topic
}

func eventKey(workflowID, key string) string {
	return "event\x00" + workflowID + "\x00" + key
}

func statusKey(workflowID string) string {
	return "status\x00" + workflowID
}
