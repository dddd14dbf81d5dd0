package controller

import "sync/atomic"

// Stats counts connection outcomes across all streamers
type Stats struct {
	accepted  atomic.Uint64
	active    atomic.Int64
	completed atomic.Uint64
	aborted   atomic.Uint64
	failed    atomic.Uint64
	bytesSent atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Accepted  uint64
	Active    int64
	Completed uint64
	Aborted   uint64
	Failed    uint64
	BytesSent uint64
}

func (s *Stats) record(res Result, err error) {
	s.bytesSent.Add(res.Sent)
	switch {
	case err != nil:
		s.failed.Add(1)
	case res.State == Aborted:
		s.aborted.Add(1)
	default:
		s.completed.Add(1)
	}
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:  s.accepted.Load(),
		Active:    s.active.Load(),
		Completed: s.completed.Load(),
		Aborted:   s.aborted.Load(),
		Failed:    s.failed.Load(),
		BytesSent: s.bytesSent.Load(),
	}
}
