package fabric

// NodeId identifies a Node. Ids are dense small integers assigned in
// creation order and are valid as slice indices into Network's internal
// node table for the lifetime of the Network.
type NodeId uint32

// LinkId identifies a directed Link, dense and assigned in creation order.
type LinkId uint32

// FlowId is an opaque correlator a caller attaches to packets belonging to
// the same logical flow (a TCP connection, a collective's per-step
// transfer, ...). The fabric never interprets it except as ECMP hash
// input.
type FlowId uint64

// PacketId is a monotonically increasing identifier assigned by the
// Network at packet construction time, unique for the Network's lifetime.
type PacketId uint64
