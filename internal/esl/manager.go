package esl

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State is the connection lifecycle state. Transitions are serialized by
// the Manager; there is never more than one live connection instance.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Subscribed
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Subscribed:
		return "subscribed"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// Manager supervises the Event Socket connection: it drives the
// connect/authenticate/subscribe sequence, feeds decoded frames to the
// dispatcher, and schedules reconnects on any fault. Each scheduled
// reconnect replaces the previous one, so duplicate timers are never
// left armed.
type Manager struct {
	addr     string
	password string

	// Reconnect cadence. Fixed delays, not exponential backoff; fine for
	// a single local peer. Tunable for hardening.
	RetryDelay     time.Duration
	AuthRetryDelay time.Duration
	AuthTimeout    time.Duration

	dispatcher *Dispatcher

	// Bootstrap runs once per successful subscription, before event
	// pumping starts. Used for the presence snapshot sync.
	Bootstrap func(ctx context.Context, client *Client) error

	mu     sync.Mutex
	state  State
	client *Client
	retry  *time.Timer
	gen    int

	verbose bool
}

// NewManager creates a connection manager. Start must be called to connect.
func NewManager(addr, password string, dispatcher *Dispatcher, verbose bool) *Manager {
	return &Manager{
		addr:           addr,
		password:       password,
		RetryDelay:     5 * time.Second,
		AuthRetryDelay: 10 * time.Second,
		AuthTimeout:    5 * time.Second,
		dispatcher:     dispatcher,
		state:          Disconnected,
		verbose:        verbose,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start initiates the first connection attempt.
func (m *Manager) Start() {
	log.Printf("[ESL] Attempting to connect to event socket at %s...", m.addr)
	go m.connect()
}

// Stop tears down the connection and cancels any scheduled reconnect.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.teardownLocked()
	m.state = Disconnected
}

// Reconnect is the operator trigger: it discards the current connection
// and re-runs the full connect sequence immediately.
func (m *Manager) Reconnect() {
	log.Printf("[ESL] Reinitializing connection")
	go m.connect()
}

// teardownLocked discards the prior socket and pending timer. Idempotent.
func (m *Manager) teardownLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

// connect runs one full connection attempt. Any prior socket and timers
// are discarded first.
func (m *Manager) connect() {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.teardownLocked()
	m.state = Connecting
	client := NewClient(m.addr, m.verbose)
	m.client = client
	m.mu.Unlock()

	if err := client.Connect(); err != nil {
		log.Printf("[ESL] Connect failed: %v", err)
		m.fault(gen, m.RetryDelay)
		return
	}

	m.setState(gen, Authenticating)

	authCtx, cancel := context.WithTimeout(context.Background(), m.AuthTimeout)
	err := client.Authenticate(authCtx, m.password)
	cancel()
	if err != nil {
		client.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("[ESL] Authentication timeout: switch did not answer within %s", m.AuthTimeout)
			log.Printf("[ESL] Possible causes:")
			log.Printf("  1. The switch is not running")
			log.Printf("  2. The event socket port is not accessible")
			log.Printf("  3. A container port mapping issue")
			m.fault(gen, m.AuthRetryDelay)
			return
		}
		if errors.Is(err, ErrAccessDenied) {
			log.Printf("[ESL] Authentication rejected: check the event socket password")
		} else {
			log.Printf("[ESL] Authentication failed: %v", err)
		}
		m.fault(gen, m.RetryDelay)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.AuthTimeout)
	err = client.Subscribe(ctx)
	cancel()
	if err != nil {
		log.Printf("[ESL] Subscribe failed: %v", err)
		client.Close()
		m.fault(gen, m.RetryDelay)
		return
	}

	if !m.setState(gen, Subscribed) {
		client.Close()
		return
	}
	log.Printf("[ESL] Subscribed to all events")

	if m.Bootstrap != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.Bootstrap(ctx, client); err != nil {
			// A failed snapshot is not fatal; incremental events and the
			// next reconnect converge presence anyway.
			log.Printf("[ESL] Bootstrap sync failed: %v", err)
		}
		cancel()
	}

	m.pump(gen, client)
}

// pump feeds decoded event frames to the dispatcher until the connection
// faults or is superseded.
func (m *Manager) pump(gen int, client *Client) {
	for {
		select {
		case frame, ok := <-client.Events():
			if !ok {
				m.fault(gen, m.RetryDelay)
				return
			}
			m.dispatcher.Dispatch(context.Background(), frame)

		case err, ok := <-client.Errors():
			if ok && err != nil {
				log.Printf("[ESL] Connection error: %v", err)
			}
			m.fault(gen, m.RetryDelay)
			return
		}
	}
}

// setState applies a transition if this attempt is still the live one.
func (m *Manager) setState(gen int, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.state = s
	return true
}

// fault schedules a reconnect, replacing any previously armed timer. A
// stale attempt (superseded by Reconnect or Stop) schedules nothing.
func (m *Manager) fault(gen int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.state = Faulted
	if m.retry != nil {
		m.retry.Stop()
	}
	log.Printf("[ESL] Reconnecting in %s", delay)
	m.retry = time.AfterFunc(delay, m.connect)
}
