package engine

import (
	"time"
)

// Loop is the single-threaded cooperative scheduler. Every piece of engine
// state (registry, cache front, request contexts) is owned by the goroutine
// running Run; other goroutines communicate exclusively through Post.
type Loop struct {
	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}
}

// NewLoop creates a loop with the given command buffer.
func NewLoop(buffer int) *Loop {
	return &Loop{
		cmds:    make(chan func(), buffer),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run processes commands until Stop is called, then drains whatever is
// already queued and returns.
func (l *Loop) Run() {
	defer close(l.stopped)

	for {
		select {
		case fn := <-l.cmds:
			fn()
		case <-l.quit:
			for {
				select {
				case fn := <-l.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn onto the loop. It returns false once the loop has been
// stopped; late completions are dropped rather than blocking.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	case l.cmds <- fn:
		return true
	}
}

// After schedules fn onto the loop after d. The returned timer may be
// stopped to cancel.
func (l *Loop) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Post(fn)
	})
}

// Stop asks the loop to finish. Safe to call once.
func (l *Loop) Stop() {
	close(l.quit)
}

// Done returns a channel closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}
