package p2p

import (
	"context"
	"testing"
	"time"
)

func TestLibP2PNodeStatusBeforeConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfgA := DefaultNodeConfig()
	cfgA.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	a, err := NewLibP2PNode(ctx, cfgA, nil)
	if err != nil {
		t.Fatalf("NewLibP2PNode a: %v", err)
	}
	defer a.Stop(ctx)

	cfgB := DefaultNodeConfig()
	cfgB.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	b, err := NewLibP2PNode(ctx, cfgB, nil)
	if err != nil {
		t.Fatalf("NewLibP2PNode b: %v", err)
	}
	defer b.Stop(ctx)

	received := make(chan []byte, 1)
	b.Subscribe(func(ctx context.Context, from string, data []byte) error {
		received <- data
		return nil
	})

	if len(a.GetPeers()) != 0 {
		t.Fatalf("expected no peers before connecting")
	}

	status := a.GetStatus()
	if status.ID != a.ID() {
		t.Fatalf("GetStatus().ID = %s, want %s", status.ID, a.ID())
	}
}
