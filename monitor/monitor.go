// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package monitor correlates outbound requests with their replies. Every
// monitored request ends in exactly one of a result, an error result or a
// timeout, unless it is cancelled first, in which case nothing fires.
package monitor

import (
	"sync"
	"time"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// Handlers are the possible outcomes of a monitored request. Nil handlers are
// skipped, but the outcome is still consumed.
type Handlers struct {
	OnResult  func(reply *protocols.Envelope) // Typed result arrived
	OnError   func(err *protocols.Error)      // Error result arrived or sending failed
	OnTimeout func()                          // No reply within the timeout
}

// Manager tracks all requests in flight over one or more channels.
type Manager struct {
	clock   clock.Clock        // Time source for the request timeouts
	pending map[string]*Handle // Requests waiting for a reply, keyed by id

	logger log.Logger
	lock   sync.Mutex
}

// NewManager creates a monitor manager on top of a time source.
func NewManager(clk clock.Clock, logger log.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Manager{
		clock:   clk,
		pending: make(map[string]*Handle),
		logger:  logger,
	}
}

// Handle is a single monitored request.
type Handle struct {
	id       string      // Correlation id of the request
	method   string      // Document name for logging
	manager  *Manager    // Manager tracking the request
	handlers Handlers    // Outcome callbacks
	timer    clock.Timer // Timeout trigger
	done     bool        // Whether an outcome was consumed (manager lock)
}

// ID returns the correlation id of the monitored request.
func (h *Handle) ID() string {
	return h.id
}

// Cancel stops monitoring the request. No handler fires afterwards. Cancelling
// a completed or already cancelled request is a no-op.
func (h *Handle) Cancel() {
	h.finish()
}

// finish consumes the outcome slot of the request, returning whether the caller
// won the right to fire a handler.
func (h *Handle) finish() bool {
	h.manager.lock.Lock()
	defer h.manager.lock.Unlock()

	if h.done {
		return false
	}
	h.done = true
	delete(h.manager.pending, h.id)
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// Monitor starts tracking a request. If the request has no id yet, a fresh one
// is assigned. The request itself is not sent.
func (m *Manager) Monitor(request *protocols.Envelope, timeout time.Duration, handlers Handlers) *Handle {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	h := &Handle{
		id:       request.ID,
		method:   request.Method(),
		manager:  m,
		handlers: handlers,
	}
	m.lock.Lock()
	if old, ok := m.pending[h.id]; ok {
		m.lock.Unlock()
		panic("duplicate monitored request id " + old.id)
	}
	m.pending[h.id] = h
	h.timer = m.clock.AfterFunc(timeout, func() {
		if !h.finish() {
			return
		}
		m.logger.Debug("Monitored request timed out", "id", h.id, "method", h.method, "timeout", timeout)
		if h.handlers.OnTimeout != nil {
			h.handlers.OnTimeout()
		}
	})
	m.lock.Unlock()

	return h
}

// MonitorAndSend starts tracking a request and sends it. If sending fails, the
// error handler fires right away with an unavailable error.
func (m *Manager) MonitorAndSend(send func(*protocols.Envelope) error, request *protocols.Envelope, timeout time.Duration, handlers Handlers) *Handle {
	h := m.Monitor(request, timeout, handlers)
	if err := send(request); err != nil {
		m.logger.Debug("Monitored request send failed", "id", h.id, "method", h.method, "err", err)
		if h.finish() && h.handlers.OnError != nil {
			h.handlers.OnError(&protocols.Error{Code: protocols.CodeUnavailable, Reason: err.Error()})
		}
	}
	return h
}

// Deliver routes a reply to the request it answers. It returns false if no
// request with a matching id is being monitored.
func (m *Manager) Deliver(reply *protocols.Envelope) bool {
	m.lock.Lock()
	h := m.pending[reply.ID]
	m.lock.Unlock()

	if h == nil || !h.finish() {
		return false
	}
	if reply.Error != nil {
		if h.handlers.OnError != nil {
			h.handlers.OnError(reply.Error)
		}
		return true
	}
	if h.handlers.OnResult != nil {
		h.handlers.OnResult(reply)
	}
	return true
}

// Pending returns the number of requests currently monitored.
func (m *Manager) Pending() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.pending)
}

// CancelAll stops monitoring every outstanding request without firing handlers.
func (m *Manager) CancelAll() {
	m.lock.Lock()
	handles := make([]*Handle, 0, len(m.pending))
	for _, h := range m.pending {
		handles = append(handles, h)
	}
	m.lock.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}
