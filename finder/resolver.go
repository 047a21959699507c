// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package finder

import (
	"errors"
	"sort"
	"sync"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/ethereum/go-ethereum/log"
)

// ErrNoFinders is returned if a domain has no usable finder descriptors.
var ErrNoFinders = errors.New("no finders available")

// Resolver looks up the finders serving a domain. The completion callback is
// invoked exactly once, on an arbitrary goroutine.
type Resolver interface {
	Resolve(domain string, done func([]*identity.FinderDescriptor, error))
}

// StaticResolver resolves domains from a fixed set of signed descriptor
// documents, verified against the domain key on every lookup.
type StaticResolver struct {
	domains map[string]*staticDomain
	clock   clock.Clock
	logger  log.Logger
	lock    sync.RWMutex
}

// staticDomain is the configured descriptor set of a single domain.
type staticDomain struct {
	key       identity.PublicKey
	documents []string
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver(clk clock.Clock, logger log.Logger) *StaticResolver {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Root()
	}
	return &StaticResolver{
		domains: make(map[string]*staticDomain),
		clock:   clk,
		logger:  logger,
	}
}

// Add registers signed finder descriptor documents for a domain.
func (r *StaticResolver) Add(domain string, key identity.PublicKey, documents ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	d, ok := r.domains[domain]
	if !ok {
		d = &staticDomain{key: key}
		r.domains[domain] = d
	}
	d.documents = append(d.documents, documents...)
}

// Resolve implements Resolver. Invalid and expired descriptors are skipped,
// the rest is ordered by ascending priority and descending weight.
func (r *StaticResolver) Resolve(domain string, done func([]*identity.FinderDescriptor, error)) {
	r.lock.RLock()
	d, ok := r.domains[domain]
	var (
		key  identity.PublicKey
		docs []string
	)
	if ok {
		key, docs = d.key, append([]string(nil), d.documents...)
	}
	r.lock.RUnlock()

	go func() {
		now := r.clock.Now()

		var finders []*identity.FinderDescriptor
		for _, doc := range docs {
			desc, err := identity.ParseFinderDescriptor(doc, key)
			if err != nil {
				r.logger.Warn("Skipping invalid finder descriptor", "domain", domain, "err", err)
				continue
			}
			if !now.Before(desc.Expires) {
				r.logger.Debug("Skipping expired finder descriptor", "domain", domain, "finder", desc.ID)
				continue
			}
			finders = append(finders, desc)
		}
		if len(finders) == 0 {
			done(nil, ErrNoFinders)
			return
		}
		sort.SliceStable(finders, func(i, j int) bool {
			if finders[i].Priority != finders[j].Priority {
				return finders[i].Priority < finders[j].Priority
			}
			return finders[i].Weight > finders[j].Weight
		})
		done(finders, nil)
	}()
}
