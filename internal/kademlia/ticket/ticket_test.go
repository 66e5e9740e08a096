package ticket

import (
	"context"
	"testing"

	"github.com/klingon-tech/klingdht/internal/identity"
)

func pubKeyOf(t *testing.T, kp identity.KeyPair) [32]byte {
	t.Helper()
	var pk [32]byte
	copy(pk[:], kp.Public)
	return pk
}

func TestFullHandshakeProducesVerifiableTicket(t *testing.T) {
	bootstrapKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	clientKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	bootstrap := NewBootstrap(bootstrapKeys, 4)
	clientPub := pubKeyOf(t, clientKeys)

	tk, err := Obtain(context.Background(), clientPub,
		func(pk [32]byte) (uint32, int, error) { return bootstrap.RequestChallenge(pk) },
		func(pk [32]byte, nonce uint32) (identity.Signature, error) { return bootstrap.SubmitChallenge(pk, nonce) },
	)
	if err != nil {
		t.Fatalf("Obtain() error = %v", err)
	}

	if err := tk.Verify(clientPub, 4); err != nil {
		t.Errorf("Verify() on a freshly obtained ticket = %v, want nil", err)
	}
}

func TestRequestChallengeRejectsDuplicate(t *testing.T) {
	bootstrapKeys, _ := identity.GenerateKeyPair()
	bootstrap := NewBootstrap(bootstrapKeys, 4)

	var pub [32]byte
	pub[0] = 0x01

	if _, _, err := bootstrap.RequestChallenge(pub); err != nil {
		t.Fatalf("first RequestChallenge() error = %v", err)
	}
	if _, _, err := bootstrap.RequestChallenge(pub); err != ErrTicketUnavailable {
		t.Errorf("second RequestChallenge() error = %v, want ErrTicketUnavailable", err)
	}
}

func TestSubmitChallengeRejectsBadNonce(t *testing.T) {
	bootstrapKeys, _ := identity.GenerateKeyPair()
	bootstrap := NewBootstrap(bootstrapKeys, 8) // high difficulty: nonce 0 won't satisfy it

	var pub [32]byte
	pub[0] = 0x02
	if _, _, err := bootstrap.RequestChallenge(pub); err != nil {
		t.Fatalf("RequestChallenge() error = %v", err)
	}

	if _, err := bootstrap.SubmitChallenge(pub, 0); err != ErrPoWInvalid {
		t.Errorf("SubmitChallenge() with an unsolved nonce error = %v, want ErrPoWInvalid", err)
	}
}

func TestVerifyRejectsTamperedPoW(t *testing.T) {
	bootstrapKeys, _ := identity.GenerateKeyPair()
	clientKeys, _ := identity.GenerateKeyPair()
	bootstrap := NewBootstrap(bootstrapKeys, 4)
	clientPub := pubKeyOf(t, clientKeys)

	tk, err := Obtain(context.Background(), clientPub,
		func(pk [32]byte) (uint32, int, error) { return bootstrap.RequestChallenge(pk) },
		func(pk [32]byte, nonce uint32) (identity.Signature, error) { return bootstrap.SubmitChallenge(pk, nonce) },
	)
	if err != nil {
		t.Fatalf("Obtain() error = %v", err)
	}

	tk.ClientNonce++ // tamper: claim a different nonce than what was signed
	if err := tk.Verify(clientPub, 4); err == nil {
		t.Error("Verify() should reject a ticket whose nonce no longer matches the signed PoW")
	}
}
