// Package shard assigns keys (entity ids, data source ids) to stage
// instances with a consistent-hash ring, so per-process join and debounce
// buffers stay correct when several instances share one bus.
package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/buraksezer/consistent"

	"github.com/teranos/mspsync/errors"
)

// Member is one stage instance on the ring
type Member string

func (m Member) String() string {
	return string(m)
}

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 {
	out := sha256.Sum256(data)
	return binary.BigEndian.Uint64(out[:8])
}

func ringConfig() consistent.Config {
	return consistent.Config{
		PartitionCount:    71,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
}

// Router answers "which instance owns this key" and, for its own
// instance, "do I own it". With no members every key is owned locally.
type Router struct {
	self string

	mu      sync.RWMutex
	ring    *consistent.Consistent
	members map[string]bool
}

// NewRouter creates the router for instance self over members
func NewRouter(self string, members []string) (*Router, error) {
	r := &Router{self: self}
	if err := r.SetMembers(members); err != nil {
		return nil, err
	}
	return r, nil
}

// SetMembers replaces the ring membership. Keys move only between the
// instances whose share of the ring changed.
func (r *Router) SetMembers(members []string) error {
	next := make(map[string]bool, len(members))
	for _, m := range members {
		if m == "" {
			return errors.NewInvalidRequestError("empty shard member")
		}
		next[m] = true
	}
	if len(next) > 0 && !next[r.self] {
		return errors.NewInvalidRequestError("shard member %q is not in the member list", r.self)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(next) == 0 {
		r.ring, r.members = nil, nil
		return nil
	}
	if r.ring == nil {
		r.ring = consistent.New(nil, ringConfig())
		r.members = map[string]bool{}
	}
	for m := range next {
		if !r.members[m] {
			r.ring.Add(Member(m))
		}
	}
	for m := range r.members {
		if !next[m] {
			r.ring.Remove(m)
		}
	}
	r.members = next
	return nil
}

// Locate returns the instance owning key, or self when running alone
func (r *Router) Locate(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ring == nil {
		return r.self
	}
	m := r.ring.LocateKey([]byte(key))
	if m == nil {
		return r.self
	}
	return m.String()
}

// Owns reports whether this instance owns key
func (r *Router) Owns(key string) bool {
	return r.Locate(key) == r.self
}

// Members returns the current membership, sorted
func (r *Router) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
