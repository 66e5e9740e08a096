package dht

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/klingon-tech/klingdht/internal/errs"
	"github.com/klingon-tech/klingdht/internal/kademlia"
)

// handleStream is the libp2p stream handler registered under RPCProtocol.
// It reads exactly one request envelope, applies request interception
// (admission ticket verification) to every method except the handshake
// itself, dispatches to the matching RPC, and writes one response
// envelope before closing the stream — one request, one response, no
// pipelining, matching the reference's per-call stream lifecycle.
func (s *Service) handleStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(rpcDeadline(s.rpcTimeout))

	reqBytes, err := readLengthPrefixed(bufio.NewReader(stream))
	if err != nil {
		s.log.Debug("failed to read request", "error", err)
		return
	}
	var req envelope
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		s.log.Debug("failed to parse request", "error", err)
		return
	}

	resp := s.dispatch(req)
	resp.RequestID = req.RequestID
	s.log.Debug("handled rpc", "request_id", req.RequestID, "method", req.Method, "error", resp.Error)

	respBytes, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}
	if err := writeLengthPrefixed(stream, respBytes); err != nil {
		s.log.Debug("failed to write response", "error", err)
	}
}

// dispatch runs interception and then the method handler, always
// returning a complete envelope (never panics the caller's goroutine on a
// malformed or rejected request — rejections are just envelopes carrying
// Error).
func (s *Service) dispatch(req envelope) envelope {
	caller, err := req.From.toPeer()
	if err != nil {
		return errEnvelope(errs.ErrSignatureInvalid)
	}

	isHandshake := req.Method == MethodRequestChallenge || req.Method == MethodSubmitChallenge
	if !isHandshake {
		if err := s.verifyInterception(req, caller); err != nil {
			return errEnvelope(err)
		}
		caller.Ticket = ticketFromWire(req.Ticket)
		caller.LastSeen = time.Now()
		s.table.Insert(caller)
	}

	switch req.Method {
	case MethodPing:
		return s.handlePing()
	case MethodStore:
		return s.handleStore(req)
	case MethodFindNode:
		return s.handleFindNode(req)
	case MethodFindValue:
		return s.handleFindValue(req)
	case MethodRequestChallenge:
		return s.handleRequestChallenge(req)
	case MethodSubmitChallenge:
		return s.handleSubmitChallenge(req)
	default:
		return errEnvelope(fmt.Errorf("dht: unknown method %q", req.Method))
	}
}

// verifyInterception implements spec §4.4's request interception: every
// inbound RPC other than the handshake itself must carry a ticket whose
// signature covers its PoW and whose PoW recomputes correctly at this
// node's configured admission difficulty.
func (s *Service) verifyInterception(req envelope, caller kademlia.Peer) error {
	if req.Ticket == nil {
		return errs.ErrSignatureInvalid
	}
	tk := req.Ticket.toTicket()
	var pubKey [32]byte
	copy(pubKey[:], caller.PublicKey)
	if err := tk.Verify(pubKey, s.ticketDifficulty); err != nil {
		return errs.ErrPoWInvalid
	}
	return nil
}

func (s *Service) handlePing() envelope {
	return okEnvelope(pingResult{})
}

func (s *Service) handleStore(req envelope) envelope {
	var payload storePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errEnvelope(errs.ErrStoreFailed)
	}
	s.store.Put(payload.Key, payload.Value)
	if s.events != nil {
		s.events.OnStore(payload.Key, payload.Value)
	}
	return okEnvelope(storeResult{})
}

func (s *Service) handleFindNode(req envelope) envelope {
	var payload findNodePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errEnvelope(errs.ErrFindNodeFailed)
	}
	count := int(payload.Count)
	if count <= 0 || count > s.table.K() {
		count = s.table.K()
	}
	closest := s.table.Closest(payload.Target, count)
	wire := make([]wirePeer, 0, len(closest))
	for _, p := range closest {
		wire = append(wire, peerToWire(p))
	}
	return okEnvelope(findNodeResult{Peers: wire})
}

func (s *Service) handleFindValue(req envelope) envelope {
	var payload findValuePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errEnvelope(errs.ErrFindValueFailed)
	}
	if v, ok := s.store.Get(payload.Target); ok {
		return okEnvelope(findValueResult{Found: true, Value: v})
	}
	closest := s.table.Closest(payload.Target, s.table.K())
	wire := make([]wirePeer, 0, len(closest))
	for _, p := range closest {
		wire = append(wire, peerToWire(p))
	}
	return okEnvelope(findValueResult{Found: false, Peers: wire})
}

func (s *Service) handleRequestChallenge(req envelope) envelope {
	if s.bootstrap == nil {
		return errEnvelope(errs.ErrTicketUnavailable)
	}
	var payload requestChallengePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errEnvelope(errs.ErrTicketUnavailable)
	}
	challenge, difficulty, err := s.bootstrap.RequestChallenge(payload.PubKey)
	if err != nil {
		return errEnvelope(err)
	}
	return okEnvelope(requestChallengeResult{Challenge: challenge, Difficulty: difficulty})
}

func (s *Service) handleSubmitChallenge(req envelope) envelope {
	if s.bootstrap == nil {
		return errEnvelope(errs.ErrTicketUnavailable)
	}
	var payload submitChallengePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return errEnvelope(errs.ErrPoWInvalid)
	}
	sig, err := s.bootstrap.SubmitChallenge(payload.PubKey, payload.ClientNonce)
	if err != nil {
		return errEnvelope(err)
	}
	return okEnvelope(submitChallengeResult{BootstrapPubKey: sig.PubKey, Signature: sig.Bytes})
}

func okEnvelope(result interface{}) envelope {
	raw, err := json.Marshal(result)
	if err != nil {
		return errEnvelope(fmt.Errorf("dht: marshal result: %w", err))
	}
	return envelope{Payload: raw}
}

func errEnvelope(err error) envelope {
	return envelope{Error: err.Error()}
}

// ticketFromWire parses an inbound wireTicket into the routing table's
// kademlia.Ticket representation, or nil if the request carried none.
func ticketFromWire(w *wireTicket) *kademlia.Ticket {
	if w == nil {
		return nil
	}
	return &kademlia.Ticket{
		PoWHash:         w.PoW,
		Challenge:       w.Challenge,
		ClientNonce:     w.ClientNonce,
		BootstrapPubKey: w.BootstrapPubKey,
		Signature:       w.Signature,
	}
}
