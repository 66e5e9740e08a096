// Package dht implements the DHT's RPC transport over libp2p streams, and
// the node-local store of tagged values (signed chain-head pointers and
// blocks) addressed by NodeId keys.
package dht

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/internal/kademlia"
	"github.com/klingon-tech/klingdht/internal/kademlia/ticket"
)

// RPCProtocol is the protocol ID every DHT RPC stream is opened under.
const RPCProtocol protocol.ID = "/klingdht/rpc/1.0.0"

// maxMessageSize bounds a single length-prefixed RPC frame.
const maxMessageSize = 4 * 1024 * 1024

// Method names every RPC envelope carries, dispatched on by the server.
const (
	MethodPing              = "PING"
	MethodStore             = "STORE"
	MethodFindNode          = "FIND_NODE"
	MethodFindValue         = "FIND_VALUE"
	MethodRequestChallenge  = "REQUEST_CHALLENGE"
	MethodSubmitChallenge   = "SUBMIT_CHALLENGE"
)

// wirePeer is the JSON-safe transcription of a kademlia.Peer (which is not
// itself marshaled directly, to keep the wire format decoupled from the
// routing table's in-memory representation).
type wirePeer struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"public_key"`
	Host      string `json:"host"`
	Port      uint16 `json:"port"`
}

// envelope is the JSON body of every RPC frame: a method, its caller's
// admission ticket (attached to every outbound RPC per the Sybil-resistant
// admission protocol), and a method-specific payload. RequestID is a
// per-call correlation ID, carried through to the response envelope so a
// slow or dropped call is traceable in logs across both ends of the
// stream.
type envelope struct {
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	From      wirePeer        `json:"from"`
	Ticket    *wireTicket     `json:"ticket,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error,omitempty"`
}

// newRequestID mints a fresh correlation ID for an outbound call.
func newRequestID() string {
	return uuid.New().String()
}

type wireTicket struct {
	PoW             [32]byte `json:"pow"`
	Challenge       uint32   `json:"challenge"`
	ClientNonce     uint32   `json:"client_nonce"`
	BootstrapPubKey [32]byte `json:"bootstrap_pub_key"`
	Signature       []byte   `json:"signature"`
}

type pingPayload struct{}

type pingResult struct{}

type storePayload struct {
	Key   identity.NodeID `json:"key"`
	Value Value           `json:"value"`
}

type storeResult struct{}

type findNodePayload struct {
	Target identity.NodeID `json:"target"`
	Count  uint64          `json:"count"`
}

type findNodeResult struct {
	Peers []wirePeer `json:"peers"`
}

type findValuePayload struct {
	Target identity.NodeID `json:"target"`
}

type findValueResult struct {
	Found bool       `json:"found"`
	Value Value      `json:"value,omitempty"`
	Peers []wirePeer `json:"peers,omitempty"`
}

type requestChallengePayload struct {
	PubKey [32]byte `json:"pub_key"`
}

type requestChallengeResult struct {
	Challenge  uint32 `json:"challenge"`
	Difficulty int    `json:"difficulty"`
}

type submitChallengePayload struct {
	PubKey      [32]byte `json:"pub_key"`
	ClientNonce uint32   `json:"client_nonce"`
}

type submitChallengeResult struct {
	BootstrapPubKey [32]byte `json:"bootstrap_pub_key"`
	Signature       []byte   `json:"signature"`
}

// readLengthPrefixed reads one big-endian uint32-length-prefixed frame.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("dht: read length: %w", err)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("dht: message too large: %d > %d", length, maxMessageSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("dht: read message: %w", err)
	}
	return data, nil
}

// writeLengthPrefixed writes one big-endian uint32-length-prefixed frame.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("dht: message too large: %d > %d", len(data), maxMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("dht: write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("dht: write message: %w", err)
	}
	return nil
}

func newBufReader(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}

// peerToWire transcribes a kademlia.Peer into its JSON-safe wire form.
func peerToWire(p kademlia.Peer) wirePeer {
	return wirePeer{ID: p.ID.String(), PublicKey: p.PublicKey, Host: p.Host, Port: p.Port}
}

// toPeer parses a wirePeer back into a kademlia.Peer.
func (w wirePeer) toPeer() (kademlia.Peer, error) {
	raw, err := hex.DecodeString(w.ID)
	if err != nil {
		return kademlia.Peer{}, fmt.Errorf("dht: decode peer id: %w", err)
	}
	id, err := identity.NodeIDFromBytes(raw)
	if err != nil {
		return kademlia.Peer{}, err
	}
	return kademlia.Peer{ID: id, PublicKey: w.PublicKey, Host: w.Host, Port: w.Port}, nil
}

// ticketToWire transcribes an admission ticket into its wire form.
func ticketToWire(t *ticket.Ticket) *wireTicket {
	if t == nil {
		return nil
	}
	return &wireTicket{
		PoW:             t.PoW,
		Challenge:       t.Challenge,
		ClientNonce:     t.ClientNonce,
		BootstrapPubKey: t.BootstrapPubKey,
		Signature:       t.Signature,
	}
}

// toTicket parses a wireTicket back into an admission ticket.
func (w *wireTicket) toTicket() ticket.Ticket {
	return ticket.Ticket{
		PoW:             w.PoW,
		Challenge:       w.Challenge,
		ClientNonce:     w.ClientNonce,
		BootstrapPubKey: w.BootstrapPubKey,
		Signature:       w.Signature,
	}
}
