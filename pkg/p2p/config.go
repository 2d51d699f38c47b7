package p2p

import (
	"time"
)

// NodeConfig holds the cluster-transport settings for one node. Every
// field here is consumed by NewLibP2PNode/Start; cluster-wide policy
// (which peers exist, who schedules) lives elsewhere.
type NodeConfig struct {
	// Listen multiaddrs the host binds. Port 0 picks a free port.
	Listen []string `json:"listen" yaml:"listen"`

	// EnableNoise secures streams with the Noise handshake. Disable
	// only for loopback test rigs.
	EnableNoise bool `json:"enable_noise" yaml:"enable_noise"`

	// Connection manager watermarks: trim down toward ConnMgrLow once
	// the host exceeds ConnMgrHigh, sparing connections younger than
	// ConnMgrGrace.
	ConnMgrLow   int           `json:"conn_mgr_low" yaml:"conn_mgr_low"`
	ConnMgrHigh  int           `json:"conn_mgr_high" yaml:"conn_mgr_high"`
	ConnMgrGrace time.Duration `json:"conn_mgr_grace" yaml:"conn_mgr_grace"`

	// BootstrapPeers are multiaddrs dialed on Start to join the mesh.
	BootstrapPeers []string `json:"bootstrap_peers" yaml:"bootstrap_peers"`
}

// DefaultNodeConfig returns the settings a standalone node starts with.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Listen: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip6/::/tcp/0",
		},
		EnableNoise:    true,
		ConnMgrLow:     10,
		ConnMgrHigh:    100,
		ConnMgrGrace:   30 * time.Second,
		BootstrapPeers: []string{},
	}
}
