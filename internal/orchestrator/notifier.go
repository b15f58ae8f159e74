package orchestrator

import "sync"

// notifier runs queued callbacks one at a time, in push order, on its own
// goroutine. The queue is unbounded so pushing never blocks, even from a
// callback.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer close(n.done)
	for {
		<-n.wake

		for {
			n.mu.Lock()
			batch := n.queue
			n.queue = nil
			closed := n.closed
			n.mu.Unlock()

			for _, fn := range batch {
				fn()
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

// close delivers what is already queued, then stops the loop. It is safe to
// call more than once but must not be called from a callback.
func (n *notifier) close() {
	n.mu.Lock()
	already := n.closed
	n.closed = true
	n.mu.Unlock()

	if !already {
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
	<-n.done
}
