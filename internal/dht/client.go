package dht

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-tech/klingdht/internal/errs"
	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/internal/kademlia"
)

// call opens one stream to p, writes an envelope for method carrying
// payload, and returns the decoded response envelope. Every outbound RPC
// except the two handshake methods attaches this node's current ticket,
// per the admission protocol's request-interception rule.
func (s *Service) call(ctx context.Context, p kademlia.Peer, method string, payload interface{}) (envelope, error) {
	info, err := s.addrInfoFor(p)
	if err != nil {
		return envelope{}, fmt.Errorf("dht: resolve address: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, fmt.Errorf("dht: marshal payload: %w", err)
	}

	req := envelope{
		RequestID: newRequestID(),
		Method:    method,
		From:      wirePeer{ID: s.self.ID.String(), PublicKey: s.self.PublicKey[:], Host: s.self.Host, Port: s.self.Port},
		Payload:   raw,
	}
	if method != MethodRequestChallenge && method != MethodSubmitChallenge {
		s.mu.RLock()
		tk := s.selfTicket
		s.mu.RUnlock()
		if tk != nil {
			req.Ticket = ticketToWire(tk)
		}
	}

	s.host.Peerstore().AddAddrs(info.ID, info.Addrs, defaultPeerstoreTTL)
	stream, err := s.host.NewStream(ctx, info.ID, RPCProtocol)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", errs.ErrConnectFailed, err)
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	} else {
		stream.SetDeadline(rpcDeadline(s.rpcTimeout))
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return envelope{}, fmt.Errorf("dht: marshal envelope: %w", err)
	}
	if err := writeLengthPrefixed(stream, reqBytes); err != nil {
		return envelope{}, err
	}
	if err := stream.CloseWrite(); err != nil {
		return envelope{}, fmt.Errorf("dht: close write: %w", err)
	}

	respBytes, err := readLengthPrefixed(bufio.NewReader(stream))
	if err != nil {
		return envelope{}, err
	}
	var resp envelope
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return envelope{}, fmt.Errorf("dht: unmarshal envelope: %w", err)
	}
	if resp.Error != "" {
		s.log.Debug("rpc failed", "request_id", req.RequestID, "method", method, "error", resp.Error)
		return envelope{}, fmt.Errorf("dht: %s", resp.Error)
	}
	return resp, nil
}

// Ping implements kademlia.Pinger: a liveness check used both by the
// routing table's bucket-eviction probe and the integration layer's
// periodic peer-health sweep.
func (s *Service) Ping(p kademlia.Peer) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.rpcTimeout)
	defer cancel()
	_, err := s.call(ctx, p, MethodPing, pingPayload{})
	return err == nil
}

// FindNode implements kademlia.NodeFinder.
func (s *Service) FindNode(ctx context.Context, p kademlia.Peer, target identity.NodeID) ([]kademlia.Peer, error) {
	resp, err := s.call(ctx, p, MethodFindNode, findNodePayload{Target: target, Count: uint64(s.table.K())})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrFindNodeFailed, err)
	}
	var result findNodeResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrFindNodeFailed, err)
	}
	peers := make([]kademlia.Peer, 0, len(result.Peers))
	for _, wp := range result.Peers {
		peer, err := wp.toPeer()
		if err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// FindValue implements kademlia.ValueFinder. The returned bytes, when
// ok is true, are the JSON encoding of a Value — callers that care about
// its contents (the integration layer, resolving chain-head pointers and
// blocks) unmarshal it themselves; package kademlia only ever moves
// opaque bytes.
func (s *Service) FindValue(ctx context.Context, p kademlia.Peer, target identity.NodeID) (value []byte, ok bool, closer []kademlia.Peer, err error) {
	resp, callErr := s.call(ctx, p, MethodFindValue, findValuePayload{Target: target})
	if callErr != nil {
		return nil, false, nil, fmt.Errorf("%w: %v", errs.ErrFindValueFailed, callErr)
	}
	var result findValueResult
	if jerr := json.Unmarshal(resp.Payload, &result); jerr != nil {
		return nil, false, nil, fmt.Errorf("%w: %v", errs.ErrFindValueFailed, jerr)
	}
	if result.Found {
		raw, merr := json.Marshal(result.Value)
		if merr != nil {
			return nil, false, nil, fmt.Errorf("%w: %v", errs.ErrFindValueFailed, merr)
		}
		return raw, true, nil, nil
	}
	peers := make([]kademlia.Peer, 0, len(result.Peers))
	for _, wp := range result.Peers {
		peer, perr := wp.toPeer()
		if perr != nil {
			continue
		}
		peers = append(peers, peer)
	}
	return nil, false, peers, nil
}

// Store issues STORE(key, value) against a single peer.
func (s *Service) Store(ctx context.Context, p kademlia.Peer, key identity.NodeID, value Value) error {
	_, err := s.call(ctx, p, MethodStore, storePayload{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreFailed, err)
	}
	return nil
}

// StorePut runs the STORE-at-initiator procedure (spec §4.3): node_lookup
// for key, STORE against every peer the lookup visited, and a local write
// if this node is itself among the K closest. It returns the number of
// peers that acknowledged the store.
func (s *Service) StorePut(ctx context.Context, key identity.NodeID, value Value) (int, error) {
	visited, err := kademlia.Lookup(ctx, s.self.ID, s.table, key, s, 1)
	if err != nil && len(visited) == 0 {
		return 0, fmt.Errorf("%w: %v", errs.ErrStoreFailed, err)
	}

	acks := 0
	for _, p := range visited {
		if err := s.Store(ctx, p, key, value); err == nil {
			acks++
		}
	}

	if selfAmongClosest(s.self.ID, key, visited, s.table.K()) {
		s.store.Put(key, value)
	}

	if acks == 0 && !selfAmongClosest(s.self.ID, key, visited, s.table.K()) {
		return 0, errs.ErrStoreFailed
	}
	return acks, nil
}

// RequestChallenge issues REQUEST_CHALLENGE(pubKey) against a bootstrap.
func (s *Service) RequestChallenge(ctx context.Context, p kademlia.Peer, pubKey [32]byte) (challenge uint32, difficulty int, err error) {
	resp, callErr := s.call(ctx, p, MethodRequestChallenge, requestChallengePayload{PubKey: pubKey})
	if callErr != nil {
		return 0, 0, fmt.Errorf("%w: %v", errs.ErrTicketUnavailable, callErr)
	}
	var result requestChallengeResult
	if jerr := json.Unmarshal(resp.Payload, &result); jerr != nil {
		return 0, 0, fmt.Errorf("%w: %v", errs.ErrTicketUnavailable, jerr)
	}
	return result.Challenge, result.Difficulty, nil
}

// SubmitChallenge issues SUBMIT_CHALLENGE(pubKey, nonce) against a
// bootstrap, returning the signature it computed over the PoW hash.
func (s *Service) SubmitChallenge(ctx context.Context, p kademlia.Peer, pubKey [32]byte, nonce uint32) (identity.Signature, error) {
	resp, callErr := s.call(ctx, p, MethodSubmitChallenge, submitChallengePayload{PubKey: pubKey, ClientNonce: nonce})
	if callErr != nil {
		return identity.Signature{}, fmt.Errorf("%w: %v", errs.ErrPoWInvalid, callErr)
	}
	var result submitChallengeResult
	if jerr := json.Unmarshal(resp.Payload, &result); jerr != nil {
		return identity.Signature{}, fmt.Errorf("%w: %v", errs.ErrPoWInvalid, jerr)
	}
	return identity.Signature{PubKey: result.BootstrapPubKey, Bytes: result.Signature}, nil
}

// selfAmongClosest reports whether self would sort within the first k
// entries of visited (plus itself), ordered by distance to key — the
// "initiator is among the K closest" test from spec §4.3.
func selfAmongClosest(self, key identity.NodeID, visited []kademlia.Peer, k int) bool {
	type scored struct {
		id   identity.NodeID
		dist identity.Distance
	}
	all := make([]scored, 0, len(visited)+1)
	all = append(all, scored{id: self, dist: key.Distance(self)})
	for _, p := range visited {
		all = append(all, scored{id: p.ID, dist: key.Distance(p.ID)})
	}
	rank := 0
	for _, c := range all {
		if c.dist.Cmp(key.Distance(self)) < 0 {
			rank++
		}
	}
	return rank < k
}
