package identity

import (
	"bytes"
	"testing"
)

func TestNewNodeIDMatchesHash(t *testing.T) {
	pub := []byte("some-public-key-bytes")
	id := NewNodeID(pub)
	want := Hash(pub)
	if !bytes.Equal(id[:], want[:]) {
		t.Errorf("NewNodeID(%q) = %x, want %x", pub, id, want)
	}
}

func TestDoubleHashIsHashOfHash(t *testing.T) {
	data := []byte("transaction-payload")
	got := DoubleHash(data)
	inner := Hash(data)
	want := Hash(inner[:])
	if got != want {
		t.Errorf("DoubleHash(%q) = %x, want %x", data, got, want)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := NodeID{0xff}
	b := NodeID{0x0f}
	if a.Distance(b) != b.Distance(a) {
		t.Error("distance should be symmetric")
	}
}

func TestDistanceLeadingZeroBits(t *testing.T) {
	cases := []struct {
		d    Distance
		want int
	}{
		{Distance{0x00}, 256},
		{Distance{0x80}, 0},
		{Distance{0x01}, 7},
		{Distance{0x00, 0x01}, 15},
	}
	for _, c := range cases {
		if got := c.d.LeadingZeroBits(); got != c.want {
			t.Errorf("LeadingZeroBits(%x) = %d, want %d", c.d, got, c.want)
		}
	}
}

func TestLeadingZeroNibbles(t *testing.T) {
	cases := []struct {
		hash [32]byte
		want int
	}{
		{[32]byte{0xff}, 0},
		{[32]byte{0x0f}, 1},
		{[32]byte{0x00, 0xff}, 2},
		{[32]byte{0x00, 0x0f}, 3},
		{[32]byte{}, 64},
	}
	for _, c := range cases {
		if got := LeadingZeroNibbles(c.hash); got != c.want {
			t.Errorf("LeadingZeroNibbles(%x) = %d, want %d", c.hash, got, c.want)
		}
	}
}

func TestMeetsDifficulty(t *testing.T) {
	hash := [32]byte{0x00, 0x0f}
	if !MeetsDifficulty(hash, 3) {
		t.Error("hash with 3 leading zero nibbles should meet difficulty 3")
	}
	if MeetsDifficulty(hash, 4) {
		t.Error("hash with 3 leading zero nibbles should not meet difficulty 4")
	}
}

func TestNamespaceKeyDeterministic(t *testing.T) {
	id := NodeID{0x01, 0x02, 0x03}
	k1 := NamespaceKey(NamespaceChainHead, id)
	k2 := NamespaceKey(NamespaceChainHead, id)
	if k1 != k2 {
		t.Error("NamespaceKey should be deterministic")
	}

	other := NamespaceKey(NamespaceTicket, id)
	if k1 == other {
		t.Error("different namespaces should produce different keys")
	}
}

func TestKeyPairSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	value := Hash([]byte("block-hash-placeholder"))
	sig := kp.Sign(value)

	if !sig.Verify(value) {
		t.Error("signature should verify against the signed value")
	}

	tampered := Hash([]byte("different-value"))
	if sig.Verify(tampered) {
		t.Error("signature should not verify against a different value")
	}
}

func TestKeyPairFromSeedRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	restored, err := KeyPairFromSeed(kp.Seed())
	if err != nil {
		t.Fatalf("KeyPairFromSeed() error = %v", err)
	}

	if !bytes.Equal(kp.Public, restored.Public) {
		t.Error("restored key pair should have the same public key")
	}
	if kp.NodeID() != restored.NodeID() {
		t.Error("restored key pair should derive the same NodeID")
	}
}

func TestSignatureVerifyWithKeyRejectsMismatch(t *testing.T) {
	kp, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()

	value := Hash([]byte("payload"))
	sig := kp.Sign(value)

	var otherPub [32]byte
	copy(otherPub[:], other.Public)

	if sig.VerifyWithKey(otherPub, value) {
		t.Error("VerifyWithKey should reject a mismatched public key")
	}

	var correctPub [32]byte
	copy(correctPub[:], kp.Public)
	if !sig.VerifyWithKey(correctPub, value) {
		t.Error("VerifyWithKey should accept the correct public key")
	}
}
