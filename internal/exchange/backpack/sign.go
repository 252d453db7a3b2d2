// sign.go implements Backpack's ED25519 request signing.
//
// Every private call signs the canonical string
//
//	instruction=<op>&<sorted params>&timestamp=<ms>&window=<ms>
//
// with the account's ED25519 key and submits four headers: the base64 public
// key, the base64 signature, the timestamp, and the window. The instruction
// name is a fixed lookup from (method, path); an unknown pair is a
// programming error and fails loudly rather than signing garbage.
package backpack

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const signWindowMs = 5000

// instructions maps (METHOD path) to the venue's instruction string.
var instructions = map[string]string{
	"GET /api/v1/capital":            "balanceQuery",
	"GET /api/v1/capital/collateral": "collateralQuery",
	"GET /api/v1/position":           "positionQuery",
	"POST /api/v1/order":             "orderExecute",
	"DELETE /api/v1/order":           "orderCancel",
	"GET /api/v1/order":              "orderQuery",
	"GET /api/v1/orders":             "orderQueryAll",
	"DELETE /api/v1/orders":          "orderCancelAll",
	"GET /wapi/v1/history/orders":    "orderHistoryQueryAll",
	"GET /wapi/v1/history/fills":     "fillHistoryQueryAll",
}

// Signer holds the ED25519 key pair and produces auth headers.
type Signer struct {
	apiKey string // base64 public key, sent verbatim in X-API-Key
	priv   ed25519.PrivateKey

	// now is stubbed in tests to pin the timestamp.
	now func() time.Time
}

// NewSigner builds a signer from the base64-encoded private key. Keys that
// do not decode to exactly 32 bytes are hashed with SHA-256 to derive the
// seed, matching how the venue's own tooling accepts pass-phrase style keys.
// apiKey may be empty, in which case the public key is derived and encoded.
func NewSigner(apiKey, privateKeyB64 string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyB64))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	seed := raw
	if len(seed) != ed25519.SeedSize {
		sum := sha256.Sum256(raw)
		seed = sum[:]
	}
	priv := ed25519.NewKeyFromSeed(seed)

	if apiKey == "" {
		pub := priv.Public().(ed25519.PublicKey)
		apiKey = base64.StdEncoding.EncodeToString(pub)
	}
	return &Signer{apiKey: apiKey, priv: priv, now: time.Now}, nil
}

// InstructionFor resolves the signing instruction for a request. Unknown
// (method, path) pairs return an error; we never guess instruction names.
func InstructionFor(method, path string) (string, error) {
	op, ok := instructions[method+" "+path]
	if !ok {
		return "", fmt.Errorf("backpack: no instruction for %s %s", method, path)
	}
	return op, nil
}

// SigningString builds the canonical string for one request. Params must
// already be serialized venue-style (booleans lowercase); they are sorted by
// key here so callers can pass maps in any order.
func SigningString(instruction string, params map[string]string, timestampMs, windowMs int64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("instruction=")
	b.WriteString(instruction)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString("&timestamp=")
	b.WriteString(strconv.FormatInt(timestampMs, 10))
	b.WriteString("&window=")
	b.WriteString(strconv.FormatInt(windowMs, 10))
	return b.String()
}

// Headers signs one request and returns the four auth headers.
func (s *Signer) Headers(method, path string, params map[string]string) (map[string]string, error) {
	instruction, err := InstructionFor(method, path)
	if err != nil {
		return nil, err
	}
	ts := s.now().UnixMilli()
	msg := SigningString(instruction, params, ts, signWindowMs)
	sig := ed25519.Sign(s.priv, []byte(msg))

	return map[string]string{
		"X-API-Key":   s.apiKey,
		"X-Signature": base64.StdEncoding.EncodeToString(sig),
		"X-Timestamp": strconv.FormatInt(ts, 10),
		"X-Window":    strconv.FormatInt(signWindowMs, 10),
	}, nil
}

// boolParam serializes a boolean the way the venue expects in signing
// strings and query values.
func boolParam(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
