package lamp

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/candela/internal/protocol"
)

// ConnState is the connection lifecycle state of a Lamp. Exactly one value
// holds at any time; transitions happen only in the connection manager, the
// pairing state machine and the notification handler.
type ConnState int

const (
	Disconnected ConnState = iota
	Unpaired
	Pairing
	Paired
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Unpaired:
		return "unpaired"
	case Pairing:
		return "pairing"
	case Paired:
		return "paired"
	default:
		return "invalid"
	}
}

// State is a point-in-time snapshot of the lamp's last-known device state.
// It is updated from decoded notifications and from optimistic updates
// after successful writes.
type State struct {
	IsOn        bool
	Brightness  uint8
	Red         uint8
	Green       uint8
	Blue        uint8
	Temperature uint16
	Mode        protocol.Mode
}

// StateCallback is invoked after any state change. Callbacks run
// synchronously; a panicking callback is isolated and logged, it never
// aborts sibling callbacks or the triggering operation.
type StateCallback func()

// callbackList is the owned list of state-change subscribers.
type callbackList struct {
	mu     sync.Mutex
	funcs  []StateCallback
	logger *logrus.Logger
}

func (l *callbackList) add(fn StateCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs = append(l.funcs, fn)
}

// fire invokes every subscriber, isolating panics per callback.
func (l *callbackList) fire() {
	l.mu.Lock()
	funcs := make([]StateCallback, len(l.funcs))
	copy(funcs, l.funcs)
	l.mu.Unlock()

	for _, fn := range funcs {
		l.invoke(fn)
	}
}

func (l *callbackList) invoke(fn StateCallback) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Debug("State callback panicked")
		}
	}()
	fn()
}

// pairSignal is a one-shot event fulfilled by the notification handler when
// a pairing result arrives. It is reset before each pairing attempt.
type pairSignal struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

func newPairSignal() *pairSignal {
	return &pairSignal{ch: make(chan struct{})}
}

// reset arms the signal for a new pairing attempt.
func (s *pairSignal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		s.ch = make(chan struct{})
		s.fired = false
	}
}

// fire fulfills the signal. Firing an already-fired signal is a no-op.
func (s *pairSignal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		s.fired = true
		close(s.ch)
	}
}

// wait blocks until the signal fires or the timeout elapses. It reports
// whether the signal fired.
func (s *pairSignal) wait(timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
