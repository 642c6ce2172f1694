package chordnet

import "time"

// Timings collects the tunable intervals spec.md §4.2/§4.3/§4.5 name as
// configurable defaults. cmd/multichord exposes overrides for all three
// on the command line, recovered from original_source/main.py's
// --stabilize-interval/--get-data-timeout flags.
type Timings struct {
	// StabilizeInterval is T_stab, jittered +/-20% per pass.
	StabilizeInterval time.Duration
	// RPCTimeout is T_rpc, the per-request correlation deadline.
	RPCTimeout time.Duration
	// FetchTimeout is T_fetch. Controller.Fetch takes its deadline as an
	// argument and does not read this field; cmd/multichord passes the
	// same --fetch-timeout value to both.
	FetchTimeout time.Duration
}

// DefaultTimings returns the defaults named in spec.md: T_stab = 5s,
// T_rpc = 1s, T_fetch = 60s.
func DefaultTimings() Timings {
	return Timings{
		StabilizeInterval: 5 * time.Second,
		RPCTimeout:        1 * time.Second,
		FetchTimeout:      60 * time.Second,
	}
}
