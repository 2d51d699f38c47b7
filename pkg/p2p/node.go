package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
)

// MessageHandler handles an inbound task-instance envelope from peer.
type MessageHandler func(ctx context.Context, from string, data []byte) error

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID       string        `json:"id"`
	Address  string        `json:"address"`
	LastSeen time.Time     `json:"last_seen"`
	Latency  time.Duration `json:"latency"`
}

// NodeStatus is a snapshot of a node's connectivity.
type NodeStatus struct {
	ID         string    `json:"id"`
	Connected  bool      `json:"connected"`
	PeerCount  int       `json:"peer_count"`
	LastUpdate time.Time `json:"last_update"`
}

// Node is the cluster-transport surface the scheduler and workers use
// to exchange serialized taskinstance.Instance envelopes.
type Node interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ID() string
	Connect(ctx context.Context, peerAddr string) error
	Disconnect(ctx context.Context, peerID string) error
	SendInstance(ctx context.Context, peerID string, envelope []byte) error
	Subscribe(handler MessageHandler)
	GetPeers() []PeerInfo
	GetStatus() NodeStatus
}

// taskInstanceProtocol is this cluster's wire protocol for shipping
// taskinstance.Instance envelopes between hosts, one envelope per
// stream, delimited by the sender closing the stream. The
// transport treats the envelope as an opaque byte range; only the
// receiving side interprets it via taskinstance.Parse.
const taskInstanceProtocol = protocol.ID("/taskmesh/instance/1.0.0")

// LibP2PNode is a Node backed by a real libp2p host: TCP and
// WebSocket transports, Noise-secured, Ed25519 peer identity.
type LibP2PNode struct {
	host      host.Host
	bootstrap []string

	mu       sync.RWMutex
	handlers []MessageHandler
	started  time.Time
}

// NewLibP2PNode builds and starts listening per cfg. If priv is nil, a
// fresh Ed25519 key is generated for this process. If cfg is nil,
// DefaultNodeConfig is used.
func NewLibP2PNode(ctx context.Context, cfg *NodeConfig, priv crypto.PrivKey) (*LibP2PNode, error) {
	if cfg == nil {
		cfg = DefaultNodeConfig()
	}
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("p2p: generate identity: %w", err)
		}
	}

	addrs := make([]multiaddr.Multiaddr, 0, len(cfg.Listen))
	for _, a := range cfg.Listen {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("p2p: invalid listen address %q: %w", a, err)
		}
		addrs = append(addrs, ma)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
	}
	if cfg.EnableNoise {
		opts = append(opts, libp2p.Security(noise.ID, noise.New))
	}
	if cfg.ConnMgrHigh > 0 {
		cm, err := connmgr.NewConnManager(cfg.ConnMgrLow, cfg.ConnMgrHigh,
			connmgr.WithGracePeriod(cfg.ConnMgrGrace))
		if err != nil {
			return nil, fmt.Errorf("p2p: connection manager: %w", err)
		}
		opts = append(opts, libp2p.ConnectionManager(cm))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	n := &LibP2PNode{host: h, bootstrap: cfg.BootstrapPeers}
	h.SetStreamHandler(taskInstanceProtocol, n.handleStream)
	return n, nil
}

func (n *LibP2PNode) handleStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(bufio.NewReader(s))
	if err != nil {
		return
	}
	from := s.Conn().RemotePeer().String()

	n.mu.RLock()
	handlers := append([]MessageHandler(nil), n.handlers...)
	n.mu.RUnlock()

	for _, h := range handlers {
		_ = h(context.Background(), from, data)
	}
}

// Start dials the configured bootstrap peers. A partially-joined mesh
// is usable, so Start only errors when every bootstrap dial fails.
func (n *LibP2PNode) Start(ctx context.Context) error {
	n.started = time.Now()
	if len(n.bootstrap) == 0 {
		return nil
	}
	var lastErr error
	connected := 0
	for _, addr := range n.bootstrap {
		if err := n.Connect(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		connected++
	}
	if connected == 0 && lastErr != nil {
		return fmt.Errorf("p2p: bootstrap failed: %w", lastErr)
	}
	return nil
}

func (n *LibP2PNode) Stop(ctx context.Context) error {
	return n.host.Close()
}

func (n *LibP2PNode) ID() string {
	return n.host.ID().String()
}

func (n *LibP2PNode) Connect(ctx context.Context, peerAddr string) error {
	ma, err := multiaddr.NewMultiaddr(peerAddr)
	if err != nil {
		return fmt.Errorf("p2p: invalid peer address %q: %w", peerAddr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("p2p: parse peer address %q: %w", peerAddr, err)
	}
	n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	return n.host.Connect(ctx, *info)
}

func (n *LibP2PNode) Disconnect(ctx context.Context, peerID string) error {
	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("p2p: invalid peer id %q: %w", peerID, err)
	}
	return n.host.Network().ClosePeer(id)
}

// SendInstance opens a fresh stream, writes one raw
// taskinstance.Instance envelope to peerID and closes the stream.
func (n *LibP2PNode) SendInstance(ctx context.Context, peerID string, envelope []byte) error {
	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("p2p: invalid peer id %q: %w", peerID, err)
	}
	s, err := n.host.NewStream(ctx, id, taskInstanceProtocol)
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", peerID, err)
	}
	defer s.Close()
	if _, err := s.Write(envelope); err != nil {
		return fmt.Errorf("p2p: write envelope to %s: %w", peerID, err)
	}
	return nil
}

func (n *LibP2PNode) Subscribe(handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *LibP2PNode) GetPeers() []PeerInfo {
	conns := n.host.Network().Conns()
	peers := make([]PeerInfo, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, PeerInfo{
			ID:       c.RemotePeer().String(),
			Address:  c.RemoteMultiaddr().String(),
			LastSeen: time.Now(),
		})
	}
	return peers
}

func (n *LibP2PNode) GetStatus() NodeStatus {
	return NodeStatus{
		ID:         n.ID(),
		Connected:  len(n.host.Network().Conns()) > 0,
		PeerCount:  len(n.host.Network().Conns()),
		LastUpdate: time.Now(),
	}
}
