//go:build linux

package proxy

import "fmt"

// stats is the reactor's plain counter block. It is mutated only from the
// single reactor goroutine, so — unlike trustydns's reporter
// implementations, which note they may be called from multiple
// goroutines — no locking is needed here (spec.md §5: "no locks on the
// hot path").
type stats struct {
	sessionsActive      int
	acceptsTotal         int
	dnsQueriesSent       int
	dnsQueriesAnswered   int
	dnsQueriesTimedOut   int
	bytesClientToRemote  int64
	bytesRemoteToClient  int64
}

// Name implements reporter.Reporter.
func (r *Reactor) Name() string { return "reactor" }

// Report implements reporter.Reporter, producing one status line per
// trustydns's internal/reporter convention.
func (r *Reactor) Report(resetCounters bool) string {
	s := &r.stats
	line := fmt.Sprintf(
		"sessions=%d accepts=%d dns_sent=%d dns_answered=%d dns_timedout=%d c2r_bytes=%d r2c_bytes=%d",
		s.sessionsActive, s.acceptsTotal, s.dnsQueriesSent, s.dnsQueriesAnswered,
		s.dnsQueriesTimedOut, s.bytesClientToRemote, s.bytesRemoteToClient)

	if resetCounters {
		active := s.sessionsActive // sessionsActive is a gauge, not a counter; preserved across resets
		*s = stats{sessionsActive: active}
	}
	return line
}
