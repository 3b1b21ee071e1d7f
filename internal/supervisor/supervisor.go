// Package supervisor watches the daemon's single CDP connection and
// reconnects it with backoff. Recovery ends at "redial CDP and re-run
// mapper.Start", with the caller supplying that step.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chromectl/bidimapper/internal/browser"
	"github.com/chromectl/bidimapper/internal/cdp"
)

// State is the current health of the CDP connection.
type State int

const (
	StateConnected State = iota
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Info is a point-in-time snapshot for session.status reporting.
type Info struct {
	State          State
	LastHeartbeat  time.Time
	ReconnectCount int
	LastError      error
}

// Reattach is called with a freshly dialed CDP client after a
// reconnect succeeds; it must re-wire mapper event subscriptions and
// re-run Target.setAutoAttach before returning.
type Reattach func(ctx context.Context, client *cdp.Client) error

// Supervisor owns the single live *cdp.Client used by the daemon and
// replaces it transparently across disconnects.
type Supervisor struct {
	browser  *browser.Browser
	reattach Reattach

	mu     sync.RWMutex
	client *cdp.Client

	stateMu        sync.RWMutex
	state          State
	lastHeartbeat  time.Time
	reconnectCount int
	lastError      error

	maxAttempts   int
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	jitterPercent float64

	debugf func(format string, args ...any)
}

// New wraps an already-dialed client under supervision.
func New(br *browser.Browser, client *cdp.Client, reattach Reattach) *Supervisor {
	return &Supervisor{
		browser:       br,
		reattach:      reattach,
		client:        client,
		state:         StateConnected,
		lastHeartbeat: time.Now(),
		maxAttempts:   5,
		initialDelay:  time.Second,
		maxDelay:      30 * time.Second,
		backoffFactor: 2.0,
		jitterPercent: 0.1,
		debugf:        func(string, ...any) {},
	}
}

// SetDebugf installs a diagnostic sink; nil restores the no-op default.
func (s *Supervisor) SetDebugf(f func(format string, args ...any)) {
	if f == nil {
		f = func(string, ...any) {}
	}
	s.debugf = f
}

// Client returns the currently active CDP client. Callers must not
// cache the result across a reconnect; fetch it again per command.
func (s *Supervisor) Client() *cdp.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Supervisor) Info() Info {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Info{
		State:          s.state,
		LastHeartbeat:  s.lastHeartbeat,
		ReconnectCount: s.reconnectCount,
		LastError:      s.lastError,
	}
}

// Watch runs the heartbeat loop until ctx is cancelled. It blocks the
// calling goroutine; call with `go`.
func (s *Supervisor) Watch(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.heartbeat(ctx); err != nil {
				s.debugf("heartbeat failed: %v", err)
				reason, shouldReconnect := ClassifyCloseCode(err)
				if !shouldReconnect {
					s.setDisconnected(err)
					s.debugf("connection closed gracefully (%s); supervisor stopping", reason)
					return
				}
				if !s.reconnectLoop(ctx, err) {
					return
				}
			}
		}
	}
}

func (s *Supervisor) heartbeat(ctx context.Context) error {
	client := s.Client()
	if client == nil {
		return errors.New("cdp client not initialized")
	}
	hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.SendContext(hbCtx, "Browser.getVersion", nil); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.lastHeartbeat = time.Now()
	s.stateMu.Unlock()
	return nil
}

// reconnectLoop attempts reconnection with exponential backoff,
// returning false if max attempts were exhausted and the caller
// should treat the connection as terminally lost.
func (s *Supervisor) reconnectLoop(ctx context.Context, firstErr error) bool {
	lastErr := firstErr
	for {
		s.stateMu.Lock()
		s.reconnectCount++
		s.lastError = lastErr
		s.state = StateReconnecting
		attempt := s.reconnectCount
		s.stateMu.Unlock()

		if s.maxAttempts > 0 && attempt > s.maxAttempts {
			s.setDisconnected(fmt.Errorf("max reconnection attempts exceeded: %w", lastErr))
			fmt.Fprintln(os.Stderr, "supervisor: giving up after max reconnection attempts")
			return false
		}

		delay := s.nextDelay(attempt)
		s.debugf("reconnecting in %v (attempt %d/%d)", delay, attempt, s.maxAttempts)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := s.attemptReconnect(ctx); err != nil {
			lastErr = err
			s.debugf("reconnect attempt failed: %v", err)
			continue
		}

		s.stateMu.Lock()
		s.state = StateConnected
		s.reconnectCount = 0
		s.lastError = nil
		s.lastHeartbeat = time.Now()
		s.stateMu.Unlock()
		return true
	}
}

func (s *Supervisor) attemptReconnect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	version, err := s.browser.Version(dialCtx)
	if err != nil {
		return fmt.Errorf("browser not responding: %w", err)
	}

	newClient, err := cdp.Dial(dialCtx, version.WebSocketURL)
	if err != nil {
		return fmt.Errorf("cdp dial failed: %w", err)
	}

	s.mu.Lock()
	old := s.client
	s.client = newClient
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if s.reattach != nil {
		if err := s.reattach(ctx, newClient); err != nil {
			return fmt.Errorf("reattach failed: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) setDisconnected(err error) {
	s.stateMu.Lock()
	s.state = StateDisconnected
	s.lastError = err
	s.stateMu.Unlock()
}

func (s *Supervisor) nextDelay(attempt int) time.Duration {
	delay := float64(s.initialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.backoffFactor
	}
	if delay > float64(s.maxDelay) {
		delay = float64(s.maxDelay)
	}
	delay += delay * s.jitterPercent * rand.Float64()
	return time.Duration(delay)
}

// ClassifyCloseCode reports whether a CDP transport error reflects a
// graceful close (browser quit normally) or an abnormal one worth
// retrying.
func ClassifyCloseCode(err error) (reason string, shouldReconnect bool) {
	if err == nil {
		return "none", false
	}
	code := websocket.CloseStatus(err)
	switch code {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return "graceful", false
	default:
		return "abnormal", true
	}
}
