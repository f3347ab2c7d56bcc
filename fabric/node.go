package fabric

// NodeKind distinguishes a host from a switch for visualization and
// configuration purposes only; forward-or-deliver behavior is identical
// for both, per the design note that the two may share one representation.
type NodeKind uint8

const (
	// Host is an endpoint: a plausible packet source or destination.
	Host NodeKind = iota
	// Switch is a pure forwarding element.
	Switch
)

func (k NodeKind) String() string {
	if k == Switch {
		return "switch"
	}
	return "host"
}

// Node is a fabric participant. Hosts and switches share this single
// representation; Kind only affects which default egress-queue
// capacity applies to links leaving the node (see Network.Connect and
// Network.SetHostEgressQueueCapacityBytes /
// SetSwitchEgressQueueCapacityBytes) and the node_kind tag on
// visualization events.
type Node struct {
	Id   NodeId
	Name string
	Kind NodeKind

	DeliveredPkts, DeliveredBytes uint64
}
