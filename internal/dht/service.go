package dht

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/internal/kademlia"
	"github.com/klingon-tech/klingdht/internal/kademlia/ticket"
	"github.com/klingon-tech/klingdht/pkg/logging"
)

// DefaultRPCTimeout bounds every outbound RPC; expiry surfaces as the
// corresponding *Failed error (spec §5, "Cancellation & timeouts").
const DefaultRPCTimeout = 10 * time.Second

// SelfInfo is a node's own address, attached to every outbound RPC as the
// caller identity and used to build the wirePeer a recipient inserts into
// its routing table.
type SelfInfo struct {
	ID        identity.NodeID
	PublicKey [32]byte
	Host      string
	Port      uint16
}

func (s SelfInfo) asPeer() kademlia.Peer {
	return kademlia.Peer{ID: s.ID, PublicKey: s.PublicKey[:], Host: s.Host, Port: s.Port}
}

// EventSink receives the side effect an inbound STORE produces: the
// integration layer's reaction to a freshly stored value (append a block,
// reconcile against a chain-head announcement). Kept as an interface so
// package dht never imports the integration layer (models/network_node.rs's
// event-handler reference, broken the Go way: a callback owned by the
// caller, not a parent pointer).
type EventSink interface {
	OnStore(key identity.NodeID, value Value)
}

// Service is one node's DHT endpoint. It owns the routing table and value
// store, serves the four RPCs plus the admission handshake over libp2p
// streams under RPCProtocol, and issues the same RPCs as a client. It
// implements kademlia.NodeFinder, kademlia.ValueFinder, and
// kademlia.Pinger, so the lookup helpers in package kademlia can drive it
// directly without depending on libp2p themselves.
type Service struct {
	host  host.Host
	table *kademlia.RoutingTable
	store *Store

	self       SelfInfo
	selfTicket *ticket.Ticket

	ticketDifficulty int
	bootstrap        *ticket.Bootstrap // non-nil when this node issues tickets

	rpcTimeout time.Duration
	events     EventSink
	log        *logging.Logger

	mu         sync.RWMutex
	addrByPeer map[identity.NodeID]peer.AddrInfo
}

// Config configures a new Service.
type Config struct {
	Host             host.Host
	Self             SelfInfo
	Table            *kademlia.RoutingTable
	Store            *Store
	TicketDifficulty int
	Bootstrap        *ticket.Bootstrap
	Events           EventSink
	RPCTimeout       time.Duration
}

// NewService wires up an RPC server on host under RPCProtocol and returns
// a client ready to drive lookups against it.
func NewService(cfg Config) *Service {
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	s := &Service{
		host:             cfg.Host,
		table:            cfg.Table,
		store:            cfg.Store,
		self:             cfg.Self,
		ticketDifficulty: cfg.TicketDifficulty,
		bootstrap:        cfg.Bootstrap,
		rpcTimeout:       timeout,
		events:           cfg.Events,
		log:              logging.GetDefault().Component("dht"),
		addrByPeer:       make(map[identity.NodeID]peer.AddrInfo),
	}
	s.host.SetStreamHandler(RPCProtocol, s.handleStream)
	return s
}

// Close removes the stream handler, releasing the node from serving RPCs.
func (s *Service) Close() {
	s.host.RemoveStreamHandler(RPCProtocol)
}

// SetTicket installs the ticket this node attaches to every outbound RPC
// once it has completed the admission handshake against some bootstrap.
func (s *Service) SetTicket(t ticket.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfTicket = &t
}

// Ticket returns this node's current admission ticket, or nil if it
// hasn't completed the handshake (or is itself a bootstrap).
func (s *Service) Ticket() *ticket.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfTicket
}

// Table exposes the routing table so the integration layer can seed
// lookups and run the periodic peer-health probe against it.
func (s *Service) Table() *kademlia.RoutingTable { return s.table }

// ValueStore exposes the local value map for persistence snapshotting.
func (s *Service) ValueStore() *Store { return s.store }

// Self returns this node's own address record.
func (s *Service) Self() SelfInfo { return s.self }

// RememberAddr records how to dial a peer discovered out-of-band (a
// configured bootstrap address, typically), keyed by NodeID derived from
// pub.
func (s *Service) RememberAddr(id identity.NodeID, pub []byte, hostAddr string, port uint16) error {
	info, err := addrInfoFromKey(pub, hostAddr, port)
	if err != nil {
		return err
	}
	s.host.Peerstore().AddAddrs(info.ID, info.Addrs, defaultPeerstoreTTL)
	s.mu.Lock()
	s.addrByPeer[id] = info
	s.mu.Unlock()
	return nil
}

func (s *Service) addrInfoFor(p kademlia.Peer) (peer.AddrInfo, error) {
	s.mu.RLock()
	info, ok := s.addrByPeer[p.ID]
	s.mu.RUnlock()
	if ok {
		return info, nil
	}
	info, err := addrInfoFromKey(p.PublicKey, p.Host, p.Port)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	s.host.Peerstore().AddAddrs(info.ID, info.Addrs, defaultPeerstoreTTL)
	s.mu.Lock()
	s.addrByPeer[p.ID] = info
	s.mu.Unlock()
	return info, nil
}
