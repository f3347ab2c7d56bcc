package fabric_test

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/m-lab/htsim/fabric"
)

func TestFIBStableWithoutTopologyChanges(t *testing.T) {
	net, h0, h1 := buildDiamond(t)
	a := net.RouteECMPPath(h0, h1, 1)
	b := net.RouteECMPPath(h0, h1, 1)
	if diff := deep.Equal(a, b); diff != nil {
		t.Fatalf("FIB not stable: %v", diff)
	}
}

func TestFIBReflectsNewEdge(t *testing.T) {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	s0 := net.AddSwitch("s0")
	net.Connect(h0, s0, 1, 1_000_000_000)
	net.Connect(s0, h1, 1, 1_000_000_000)

	path := net.RouteECMPPath(h0, h1, 0)
	if len(path) != 3 {
		t.Fatalf("path = %v, want length 3 via s0", path)
	}

	// Add a direct shortcut; the FIB must pick it up once dirtied.
	net.Connect(h0, h1, 1, 1_000_000_000)
	path2 := net.RouteECMPPath(h0, h1, 0)
	if len(path2) != 2 {
		t.Fatalf("path2 = %v, want direct length 2 after adding shortcut", path2)
	}
}

func TestRouteToUnreachableNodePanics(t *testing.T) {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic routing to unreachable node")
		}
	}()
	net.RouteECMPPath(h0, h1, 0)
}
