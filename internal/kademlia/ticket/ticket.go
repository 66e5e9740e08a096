// Package ticket implements the Sybil-resistant admission handshake: a
// bootstrap issues a random challenge, the joining node brute-forces a
// proof-of-work nonce against it, and the bootstrap signs the result into
// a ticket that the node attaches to every subsequent outbound RPC.
package ticket

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/pkg/helpers"
)

// DefaultDifficulty is the reference leading-zero-nibble requirement.
const DefaultDifficulty = 5

// Ticket is the admission credential a node carries once it has passed
// the handshake.
type Ticket struct {
	PoW             [32]byte
	Challenge       uint32
	ClientNonce     uint32
	BootstrapPubKey [32]byte
	Signature       []byte
}

// ComputePoW derives H²(hex(pubKey) || challenge || nonce), the value the
// client brute-forces and the bootstrap recomputes to verify.
func ComputePoW(pubKey [32]byte, challenge, nonce uint32) [32]byte {
	input := fmt.Sprintf("%x%d%d", pubKey[:], challenge, nonce)
	return identity.DoubleHash([]byte(input))
}

// BruteForce searches for the smallest client_nonce, starting from 0 and
// wrapping on overflow, such that ComputePoW meets difficulty leading zero
// nibbles. It yields to ctx cancellation between attempts.
func BruteForce(ctx context.Context, pubKey [32]byte, challenge uint32, difficulty int) (nonce uint32, pow [32]byte, err error) {
	n := uint32(0)
	for {
		if n%4096 == 0 {
			select {
			case <-ctx.Done():
				return 0, [32]byte{}, ctx.Err()
			default:
			}
		}
		candidate := ComputePoW(pubKey, challenge, n)
		if identity.MeetsDifficulty(candidate, difficulty) {
			return n, candidate, nil
		}
		n++ // wraps to 0 after math.MaxUint32, matching the reference's wrapping_add(1)
	}
}

// ErrTicketUnavailable is returned by RequestChallenge when a pending
// challenge already exists for the requesting public key.
var ErrTicketUnavailable = fmt.Errorf("ticket: a challenge is already outstanding for this public key")

// ErrPoWInvalid is returned by SubmitChallenge when the submitted nonce
// does not recompute to a hash meeting the declared difficulty.
var ErrPoWInvalid = fmt.Errorf("ticket: proof of work does not meet the declared difficulty")

// pendingChallenge is what a bootstrap stores under ticket:<pubKey> while
// a challenge is outstanding.
type pendingChallenge struct {
	challenge  uint32
	difficulty int
}

// RandomUint32 returns a cryptographically random uint32, used by a
// bootstrap to mint a fresh challenge.
func RandomUint32() uint32 {
	b, err := helpers.GenerateSecureRandom(4)
	if err != nil {
		panic(fmt.Sprintf("ticket: crypto/rand unavailable: %v", err))
	}
	return binary.BigEndian.Uint32(b)
}

// Bootstrap issues and redeems admission tickets. It is the server side of
// the handshake: it holds the signing key that tickets are verified
// against and tracks pending challenges keyed by requester public key.
type Bootstrap struct {
	mu         sync.Mutex
	difficulty int
	signer     Signer
	pending    map[[32]byte]pendingChallenge
}

// Signer signs a 32-byte value and exposes the public key that verifies
// the signature. identity.KeyPair satisfies this.
type Signer interface {
	Sign(value [32]byte) identity.Signature
}

// NewBootstrap builds a ticket issuer signing with signer at the given
// difficulty.
func NewBootstrap(signer Signer, difficulty int) *Bootstrap {
	if difficulty <= 0 {
		difficulty = DefaultDifficulty
	}
	return &Bootstrap{
		difficulty: difficulty,
		signer:     signer,
		pending:    make(map[[32]byte]pendingChallenge),
	}
}

// RequestChallenge handles REQUEST_CHALLENGE(pubKey): mints a random
// challenge at the bootstrap's configured difficulty and records it as
// pending, failing if one is already outstanding for pubKey.
func (b *Bootstrap) RequestChallenge(pubKey [32]byte) (challenge uint32, difficulty int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[pubKey]; exists {
		return 0, 0, ErrTicketUnavailable
	}
	challenge = RandomUint32()
	b.pending[pubKey] = pendingChallenge{challenge: challenge, difficulty: b.difficulty}
	return challenge, b.difficulty, nil
}

// SubmitChallenge handles SUBMIT_CHALLENGE(pubKey, clientNonce):
// recomputes the PoW, checks it against the declared difficulty, deletes
// the pending record, and returns the bootstrap's signature over the PoW
// hash.
func (b *Bootstrap) SubmitChallenge(pubKey [32]byte, clientNonce uint32) (identity.Signature, error) {
	b.mu.Lock()
	pending, exists := b.pending[pubKey]
	b.mu.Unlock()
	if !exists {
		return identity.Signature{}, ErrTicketUnavailable
	}

	pow := ComputePoW(pubKey, pending.challenge, clientNonce)
	if !identity.MeetsDifficulty(pow, pending.difficulty) {
		return identity.Signature{}, ErrPoWInvalid
	}

	b.mu.Lock()
	delete(b.pending, pubKey)
	b.mu.Unlock()

	return b.signer.Sign(pow), nil
}

// Obtain runs the full client-side handshake against a bootstrap: request
// a challenge, brute-force the PoW, submit it, and assemble the signed
// ticket. callers typically wrap request/submit in an RPC client; this
// function takes them as closures so it stays transport-agnostic.
func Obtain(ctx context.Context, pubKey [32]byte, requestChallenge func([32]byte) (uint32, int, error), submitChallenge func([32]byte, uint32) (identity.Signature, error)) (Ticket, error) {
	challenge, difficulty, err := requestChallenge(pubKey)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: request challenge: %w", err)
	}

	nonce, pow, err := BruteForce(ctx, pubKey, challenge, difficulty)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: brute force: %w", err)
	}

	sig, err := submitChallenge(pubKey, nonce)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: submit challenge: %w", err)
	}
	if !sig.Verify(pow) {
		return Ticket{}, ErrPoWInvalid
	}

	return Ticket{
		PoW:             pow,
		Challenge:       challenge,
		ClientNonce:     nonce,
		BootstrapPubKey: sig.PubKey,
		Signature:       sig.Bytes,
	}, nil
}

// Verify checks (b)-(c) of request interception: the ticket's signature
// covers its PoW and was produced by the key embedded in the signature,
// and the PoW recomputes correctly for pubKey under difficulty.
func (t Ticket) Verify(pubKey [32]byte, difficulty int) error {
	sig := identity.Signature{PubKey: t.BootstrapPubKey, Bytes: t.Signature}
	if !sig.Verify(t.PoW) {
		return ErrPoWInvalid
	}
	recomputed := ComputePoW(pubKey, t.Challenge, t.ClientNonce)
	if recomputed != t.PoW {
		return ErrPoWInvalid
	}
	if !identity.MeetsDifficulty(t.PoW, difficulty) {
		return ErrPoWInvalid
	}
	return nil
}
