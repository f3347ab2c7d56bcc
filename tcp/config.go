package tcp

import "github.com/m-lab/htsim/sim"

// Config holds the tunables spec.md §4.3 lists for a TCP connection.
// Values left zero get the DefaultConfig default at NewStack.New time is
// not automatic -- callers should start from DefaultConfig() and override
// only the fields a scenario cares about.
type Config struct {
	// MSS is the maximum segment size: the largest byte payload of a Data
	// segment. A segment is shorter when fewer unsent bytes or less free
	// window than MSS remain.
	MSS uint32
	// AckBytes is the size of every control segment (SYN, SYN-ACK,
	// HANDSHAKE-ACK, ACK): header cost is subsumed into this payload cost.
	AckBytes uint32

	InitCwndBytes     uint64
	InitSsthreshBytes uint64

	InitRTO sim.SimTime
	MinRTO  sim.SimTime
	MaxRTO  sim.SimTime

	// HandshakeEnabled gates the three-way SYN/SYN-ACK/HANDSHAKE-ACK
	// exchange before any Data segment is sent.
	HandshakeEnabled bool

	// AppLimitPPS, if > 0, caps the effective sending rate below cwnd:
	// cwnd_effective = min(cwnd, AppLimitPPS * srtt * MSS / 1e9), applied
	// only once the first RTT sample has arrived.
	AppLimitPPS float64
}

// DefaultConfig returns the conventional defaults used across this
// package's tests: 1460-byte MSS, 2-MSS initial cwnd, effectively
// unbounded initial ssthresh, and a 200ms/200ms/60s RTO triple.
func DefaultConfig() Config {
	return Config{
		MSS:               1460,
		AckBytes:          40,
		InitCwndBytes:      2 * 1460,
		InitSsthreshBytes: 1 << 40,
		InitRTO:           sim.Milliseconds(200),
		MinRTO:            sim.Milliseconds(200),
		MaxRTO:            sim.Seconds(60),
	}
}
