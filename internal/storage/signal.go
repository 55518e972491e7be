package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Signal is a level-triggered wakeup shared by many waiters. Each Broadcast
// releases everyone currently blocked in Wait. Waiters must recheck their
// condition after waking.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns a ready signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Broadcast wakes all current waiters.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns a channel closed on the next Broadcast.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the next Broadcast, the poll interval elapses, or ctx
// is done. A zero poll waits for a broadcast only.
func (s *Signal) Wait(ctx context.Context, poll time.Duration) error {
	wake := s.C()
	var tick <-chan time.Time
	if poll > 0 {
		timer := time.NewTimer(poll)
		defer timer.Stop()
		tick = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-tick:
	}
	return nil
}

// Listener turns Postgres notifications on a set of channels into
// Signal broadcasts, one Signal per channel.
type Listener struct {
	listener *pq.Listener
	signals  map[string]*Signal
	logger   *slog.Logger
	done     chan struct{}
}

// NewListener connects a pq.Listener for the given NOTIFY channels.
func NewListener(dsn string, logger *slog.Logger, channels ...string) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		signals: make(map[string]*Signal, len(channels)),
		logger:  logger.With("component", "pg-listener"),
		done:    make(chan struct{}),
	}
	l.listener = pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("listener event", "event", int(ev), "error", err)
		}
	})
	for _, ch := range channels {
		if err := l.listener.Listen(ch); err != nil {
			_ = l.listener.Close()
			return nil, err
		}
		l.signals[ch] = NewSignal()
	}
	go l.run()
	return l, nil
}

// Signal returns the broadcaster for channel, or nil when not listened.
func (l *Listener) Signal(channel string) *Signal {
	if l == nil {
		return nil
	}
	return l.signals[channel]
}

func (l *Listener) run() {
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: notifications may have been missed.
				for _, s := range l.signals {
					s.Broadcast()
				}
				continue
			}
			if s, ok := l.signals[n.Channel]; ok {
				s.Broadcast()
			}
		case <-time.After(90 * time.Second):
			go func() { _ = l.listener.Ping() }()
		}
	}
}

// Close stops listening.
func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	close(l.done)
	return l.listener.Close()
}
