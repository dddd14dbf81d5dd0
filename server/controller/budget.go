package controller

import "sync/atomic"

// Budget is the byte ceiling every connection streams up to. It is fixed at
// construction and read concurrently by all streamers; there is no setter.
type Budget struct {
	limit atomic.Uint64
}

// NewBudget publishes limit for the lifetime of the process
func NewBudget(limit uint64) *Budget {
	b := new(Budget)
	b.limit.Store(limit)
	return b
}

// Limit returns the per-connection byte ceiling.
func (b *Budget) Limit() uint64 {
	return b.limit.Load()
}
