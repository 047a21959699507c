// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerfinder

import (
	"time"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/finder"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/protocols"
)

// sessionEvent is a state change of a finder session, forwarded from the
// session loop to the scheduler.
type sessionEvent struct {
	session *finder.Session
	state   finder.State
}

// FinderStatus is a snapshot of the account's finder registration.
type FinderStatus struct {
	ID          string           `json:"id,omitempty"`
	State       string           `json:"state"`
	ServerAgent string           `json:"serverAgent,omitempty"`
	Expires     time.Time        `json:"expires,omitempty"`
	Error       *protocols.Error `json:"error,omitempty"`
}

// Finder returns the status of the current finder session.
func (a *Account) Finder() FinderStatus {
	a.lock.RLock()
	session := a.session
	a.lock.RUnlock()

	if session == nil {
		return FinderStatus{State: "disconnected"}
	}
	return FinderStatus{
		ID:          session.Descriptor().ID,
		State:       session.State().String(),
		ServerAgent: session.ServerAgent(),
		Expires:     session.Expires(),
		Error:       session.Err(),
	}
}

// scheduler keeps the account registered with one of the finders of its
// domain. Finders are tried round robin; failed attempts are retried with an
// exponential backoff within the configured bounds.
func (a *Account) scheduler() {
	// If termination is requested, notify anyone listening
	defer close(a.scheduleTerminated)

	var (
		finders  []*identity.FinderDescriptor
		next     int
		backoff  time.Duration
		timer    clock.Timer
		wake     = make(chan struct{}, 1)
		resolved = make(chan []*identity.FinderDescriptor, 1)
	)
	reschedule := func(delay time.Duration) {
		if timer != nil {
			timer.Stop()
		}
		timer = a.clock.AfterFunc(delay, func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
	}
	failed := func() {
		lo, hi := a.settings.Settings().RetryBounds()
		switch {
		case backoff < lo:
			backoff = lo
		case backoff*2 > hi:
			backoff = hi
		default:
			backoff *= 2
		}
		a.logger.Debug("Finder connection scheduled", "delay", backoff)
		reschedule(backoff)
	}
	reschedule(0)

	for {
		select {
		case <-a.scheduleTeardown:
			if timer != nil {
				timer.Stop()
			}
			a.lock.Lock()
			session := a.session
			a.session = nil
			a.lock.Unlock()

			if session != nil {
				session.Cancel()
			}
			return

		case <-wake:
			// Reconnect timer fired, refresh the finder list after a full round
			if next >= len(finders) {
				finders, next = nil, 0
				a.resolver.Resolve(a.domain, func(descs []*identity.FinderDescriptor, err error) {
					if err != nil {
						a.logger.Warn("Failed to resolve finders", "domain", a.domain, "err", err)
					}
					resolved <- descs
				})
				continue
			}
			desc := finders[next]
			next++
			a.connect(desc)

		case descs := <-resolved:
			if len(descs) == 0 {
				failed()
				continue
			}
			a.logger.Debug("Resolved finders", "domain", a.domain, "count", len(descs))
			finders = descs
			reschedule(0)

		case event := <-a.scheduleUpdate:
			a.lock.RLock()
			current := a.session == event.session
			a.lock.RUnlock()

			if !current {
				continue
			}
			switch event.state {
			case finder.StateReady:
				a.logger.Info("Registered with finder", "finder", event.session.Descriptor().ID, "agent", event.session.ServerAgent())
				a.registry.SetFinder(event.session.Descriptor().ID)
				backoff = 0

			case finder.StateShutdown:
				a.logger.Warn("Finder session lost", "finder", event.session.Descriptor().ID, "err", event.session.Err())
				a.lock.Lock()
				a.session = nil
				a.lock.Unlock()
				failed()
			}
		}
	}
}

// connect opens a session with a finder and wires its state changes back to
// the scheduler.
//
// Note, this method must run on the scheduler goroutine.
func (a *Account) connect(desc *identity.FinderDescriptor) {
	a.logger.Debug("Connecting to finder", "finder", desc.ID)
	session := finder.NewSession(finder.Config{
		Descriptor: desc,
		Domain:     a.domain,
		Gateway:    a.gateway,
		Self:       a.self,
		Location:   a.local,
		Settings:   a.settings,
		Clock:      a.clock,
		Handler:    a.handlePush,
		Logger:     a.logger,
	})
	a.lock.Lock()
	a.session = session
	a.lock.Unlock()

	// Subscribers run on the session loop, hand the events over without blocking
	session.Subscribe(func(state finder.State) {
		if state != finder.StateReady && state != finder.StateShutdown {
			return
		}
		go func() {
			select {
			case a.scheduleUpdate <- sessionEvent{session: session, state: state}:
			case <-a.scheduleTeardown:
			}
		}()
	})
}
