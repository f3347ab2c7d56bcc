package dctcp

import "github.com/m-lab/htsim/sim"

// Config holds the tunables spec.md §4.4 lists for a DCTCP connection.
// Start from DefaultConfig and override only what a scenario needs.
type Config struct {
	MSS      uint32
	AckBytes uint32

	InitCwndBytes     uint64
	InitSsthreshBytes uint64

	InitRTO sim.SimTime
	MinRTO  sim.SimTime
	MaxRTO  sim.SimTime

	// AlphaGain is g in the EWMA alpha <- (1-g)*alpha + g*F update.
	AlphaGain float64

	AppLimitPPS float64

	// RecordSamples gates the optional per-connection cwnd sample log
	// (t, cwnd, ssthresh, alpha, acked_bytes) spec.md §4.4 describes as
	// an offline-plotting aid; off by default to avoid the allocation
	// cost on every cwnd-affecting transition when nobody reads it.
	RecordSamples bool
}

// DefaultConfig returns the conventional defaults used across this
// package's tests: the same MSS/RTO triple as tcp.DefaultConfig, and the
// standard DCTCP g=1/16 alpha gain.
func DefaultConfig() Config {
	return Config{
		MSS:               1460,
		AckBytes:          40,
		InitCwndBytes:     2 * 1460,
		InitSsthreshBytes: 1 << 40,
		InitRTO:           sim.Milliseconds(200),
		MinRTO:            sim.Milliseconds(200),
		MaxRTO:            sim.Seconds(60),
		AlphaGain:         1.0 / 16,
	}
}
