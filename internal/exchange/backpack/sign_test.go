package backpack

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"
)

func testKeyB64() string {
	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	return base64.StdEncoding.EncodeToString(seed)
}

func TestSigningStringOrdering(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"symbol":     "BTC_USDC_PERP",
		"side":       "Bid",
		"quantity":   "0.010",
		"orderType":  "Limit",
		"price":      "50000.0",
		"reduceOnly": boolParam(false),
	}
	got := SigningString("orderExecute", params, 1700000000000, 5000)
	want := "instruction=orderExecute" +
		"&orderType=Limit&price=50000.0&quantity=0.010&reduceOnly=false&side=Bid&symbol=BTC_USDC_PERP" +
		"&timestamp=1700000000000&window=5000"
	if got != want {
		t.Errorf("SigningString:\n got %q\nwant %q", got, want)
	}
}

func TestSigningStringNoParams(t *testing.T) {
	t.Parallel()

	got := SigningString("balanceQuery", nil, 1700000000000, 5000)
	want := "instruction=balanceQuery&timestamp=1700000000000&window=5000"
	if got != want {
		t.Errorf("SigningString = %q, want %q", got, want)
	}
}

func TestSignerDeterministic(t *testing.T) {
	t.Parallel()

	s, err := NewSigner("", testKeyB64())
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	fixed := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return fixed }

	params := map[string]string{"symbol": "BTC_USDC_PERP"}
	h1, err := s.Headers("GET", "/api/v1/order", params)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	h2, err := s.Headers("GET", "/api/v1/order", params)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if h1["X-Signature"] != h2["X-Signature"] {
		t.Errorf("same inputs produced different signatures: %q vs %q", h1["X-Signature"], h2["X-Signature"])
	}
	if h1["X-Timestamp"] != "1700000000000" {
		t.Errorf("X-Timestamp = %q, want 1700000000000", h1["X-Timestamp"])
	}
	if h1["X-Window"] != "5000" {
		t.Errorf("X-Window = %q, want 5000", h1["X-Window"])
	}

	// The signature must verify against the advertised public key.
	pub, err := base64.StdEncoding.DecodeString(h1["X-API-Key"])
	if err != nil {
		t.Fatalf("decode X-API-Key: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(h1["X-Signature"])
	if err != nil {
		t.Fatalf("decode X-Signature: %v", err)
	}
	msg := SigningString("orderQuery", params, 1700000000000, 5000)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		t.Error("signature does not verify against the derived public key")
	}
}

func TestNewSignerDerivesSeedFromNonStandardKey(t *testing.T) {
	t.Parallel()

	// Not 32 bytes once decoded: the signer hashes it into a seed.
	short := base64.StdEncoding.EncodeToString([]byte("pass-phrase-style-key"))
	s, err := NewSigner("", short)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	h, err := s.Headers("GET", "/api/v1/capital", nil)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	pub, _ := base64.StdEncoding.DecodeString(h["X-API-Key"])
	sig, _ := base64.StdEncoding.DecodeString(h["X-Signature"])
	msg := SigningString("balanceQuery", nil, 1700000000000, 5000)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		t.Error("derived-seed signature does not verify")
	}
}

func TestNewSignerRejectsBadBase64(t *testing.T) {
	t.Parallel()

	if _, err := NewSigner("", "not-base64!!!"); err == nil {
		t.Error("expected error for undecodable private key")
	}
}

func TestNewSignerKeepsExplicitAPIKey(t *testing.T) {
	t.Parallel()

	s, err := NewSigner("explicit-key", testKeyB64())
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	h, err := s.Headers("GET", "/api/v1/capital", nil)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if h["X-API-Key"] != "explicit-key" {
		t.Errorf("X-API-Key = %q, want the configured key", h["X-API-Key"])
	}
}

func TestInstructionForUnknownPath(t *testing.T) {
	t.Parallel()

	if _, err := InstructionFor("GET", "/api/v1/unknown"); err == nil {
		t.Error("expected error for unmapped (method, path)")
	}
	op, err := InstructionFor("DELETE", "/api/v1/orders")
	if err != nil {
		t.Fatalf("InstructionFor: %v", err)
	}
	if op != "orderCancelAll" {
		t.Errorf("instruction = %q, want orderCancelAll", op)
	}
}
