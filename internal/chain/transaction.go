package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-tech/klingdht/internal/identity"
)

// Transaction is a client-submitted state change: an opaque payload (the
// auction domain model this repo doesn't implement) signed by its sender.
// The signature covers a fingerprint derived from the payload, the
// timestamp, and a random nonce — not the payload directly — matching the
// reference's two-step (fingerprint, then sign) construction.
type Transaction struct {
	From      [32]byte
	Payload   []byte
	Signature identity.Signature
	Nonce     uint32
	Timestamp int64
}

// NewTransaction builds and signs a transaction carrying payload on behalf
// of kp, stamping it with the current wall-clock time and a caller-chosen
// nonce (callers typically draw this from crypto/rand for replay
// resistance across otherwise-identical payloads).
func NewTransaction(kp identity.KeyPair, payload []byte, nonce uint32) Transaction {
	var from [32]byte
	copy(from[:], kp.Public)

	timestamp := time.Now().Unix()
	fingerprint := fingerprintOf(payload, timestamp, nonce)
	sig := kp.Sign(fingerprint)

	return Transaction{
		From:      from,
		Payload:   payload,
		Signature: sig,
		Nonce:     nonce,
		Timestamp: timestamp,
	}
}

// fingerprintOf derives H(hex(H(payload)) || timestamp || nonce), the
// value a transaction's signature actually covers.
func fingerprintOf(payload []byte, timestamp int64, nonce uint32) [32]byte {
	payloadHash := identity.Hash(payload)
	input := fmt.Sprintf("%s%d%d", hex.EncodeToString(payloadHash[:]), timestamp, nonce)
	return identity.Hash([]byte(input))
}

// VerifySignature checks that Signature covers this transaction's
// fingerprint and was produced by From.
func (t Transaction) VerifySignature() bool {
	fingerprint := fingerprintOf(t.Payload, t.Timestamp, t.Nonce)
	return t.Signature.VerifyWithKey(t.From, fingerprint)
}

// leafHash is the Merkle-tree leaf value for this transaction: H of its
// canonical encoding.
func (t Transaction) leafHash() [32]byte {
	encoded, err := json.Marshal(t)
	if err != nil {
		// Transaction holds only plain data (fixed-size arrays, a byte
		// slice, an int); marshaling it can't fail.
		panic(fmt.Sprintf("chain: marshal transaction: %v", err))
	}
	return identity.Hash(encoded)
}
