package relay

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/limits"
	"github.com/veilchat/veil/wire"
)

// Request auth headers. The caller's identity is its hex ed25519 public key;
// the signature covers the raw request body for POSTs and the URL path for
// GETs.
const (
	headerSigningKey = "X-Signing-Key"
	headerSignature  = "X-Signature"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "relay",
			"error":   err,
		}).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, wire.ErrorBody{Error: msg, Code: code})
}

// readBody reads a bounded request body.
func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, limits.MaxProcessingBuffer))
}

// parseSigningKey decodes a hex ed25519 public key.
func parseSigningKey(s string) ([32]byte, bool) {
	var pk [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return pk, false
	}
	copy(pk[:], raw)
	return pk, true
}

// parseSignature decodes a base64 detached signature.
func parseSignature(s string) (crypto.Signature, bool) {
	var sig crypto.Signature
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 64 {
		return sig, false
	}
	copy(sig[:], raw)
	return sig, true
}

// authenticate verifies the request's identity headers against payload and
// returns the caller's identity (hex signing key). For POSTs payload is the
// raw body; for GETs it is the URL path.
func authenticate(r *http.Request, payload []byte) (string, bool) {
	identity := r.Header.Get(headerSigningKey)
	pk, ok := parseSigningKey(identity)
	if !ok {
		return "", false
	}
	sig, ok := parseSignature(r.Header.Get(headerSignature))
	if !ok {
		return "", false
	}
	if !crypto.Verify(payload, sig, pk) {
		return "", false
	}
	return identity, true
}

// authenticateGET verifies the identity headers against the request path.
func authenticateGET(r *http.Request) (string, bool) {
	return authenticate(r, []byte(r.URL.Path))
}
