package dht

import (
	"fmt"
	"net"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
)

// defaultPeerstoreTTL mirrors how long the libp2p host should remember an
// address it learned from a FIND_NODE/FIND_VALUE response; it is transport
// plumbing, not routing-table membership (the routing table, not the
// libp2p peerstore, is this node's source of truth for who is "known").
const defaultPeerstoreTTL = peerstore.TempAddrTTL

// peerIDFromEd25519 derives a libp2p peer.ID from a raw 32-byte Ed25519
// public key, the same key material a NodeID is hashed from. A node's
// libp2p identity and its DHT identity are two views of one keypair.
func peerIDFromEd25519(pub []byte) (peer.ID, error) {
	pk, err := p2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("dht: unmarshal public key: %w", err)
	}
	id, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return "", fmt.Errorf("dht: derive peer id: %w", err)
	}
	return id, nil
}

// hostAddrMultiaddr builds a dialable multiaddr for a (host, port) pair,
// picking the ip4/ip6/dns4 protocol family the host string actually is.
func hostAddrMultiaddr(hostAddr string, port uint16) (ma.Multiaddr, error) {
	proto := "dns4"
	if ip := net.ParseIP(hostAddr); ip != nil {
		if ip.To4() != nil {
			proto = "ip4"
		} else {
			proto = "ip6"
		}
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, hostAddr, port))
}

// addrInfoFromKey resolves a peer's libp2p AddrInfo from its raw public
// key and declared (host, port).
func addrInfoFromKey(pub []byte, hostAddr string, port uint16) (peer.AddrInfo, error) {
	id, err := peerIDFromEd25519(pub)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	addr, err := hostAddrMultiaddr(hostAddr, port)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("dht: build multiaddr for %s:%d: %w", hostAddr, port, err)
	}
	return peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{addr}}, nil
}

// rpcDeadline is how long a single stream round-trip (dial + write +
// read) is allowed to take when the caller's context carries no deadline
// of its own.
func rpcDeadline(timeout time.Duration) time.Time {
	return time.Now().Add(timeout)
}
