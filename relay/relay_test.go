package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/relay/backend"
	"github.com/veilchat/veil/wire"
)

// testIdentity bundles the two keypairs a client holds.
type testIdentity struct {
	signing *crypto.SigningKeyPair
	enc     *crypto.KeyPair
}

func newIdentity(t *testing.T) *testIdentity {
	t.Helper()
	signing, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	enc, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &testIdentity{signing: signing, enc: enc}
}

func (id *testIdentity) userID() string {
	return hex.EncodeToString(id.signing.Public[:])
}

func (id *testIdentity) sign(t *testing.T, payload []byte) string {
	t.Helper()
	sig, err := crypto.Sign(payload, id.signing)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig[:])
}

// envelopeTo seals plaintext to the recipient and signs the ciphertext.
func (id *testIdentity) envelopeTo(t *testing.T, to *testIdentity, plaintext string, ts int64) wire.Envelope {
	t.Helper()
	ciphertext, err := crypto.Seal([]byte(plaintext), to.enc.Public)
	require.NoError(t, err)
	return wire.Envelope{
		To:             to.userID(),
		FromSigningKey: id.userID(),
		EncPub:         hex.EncodeToString(id.enc.Public[:]),
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		Signature:      id.sign(t, ciphertext),
		Timestamp:      ts,
	}
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.AttachmentDir == "" {
		cfg.AttachmentDir = t.TempDir()
	}
	srv, err := New(cfg, backend.NewMemory(0, 0), backend.NewMemoryGroupStore())
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// signedGET issues a GET authenticated by a signature over the URL path.
func signedGET(t *testing.T, h http.Handler, id *testIdentity, path, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path+query, nil)
	req.Header.Set(headerSigningKey, id.userID())
	req.Header.Set(headerSignature, id.sign(t, []byte(path)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// signedPOST issues a POST authenticated by a signature over the raw body.
func signedPOST(t *testing.T, h http.Handler, id *testIdentity, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set(headerSigningKey, id.userID())
	req.Header.Set(headerSignature, id.sign(t, raw))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body wire.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestSendAndFetch(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	env := alice.envelopeTo(t, bob, "hello bob", 100)
	w := doJSON(t, router, "POST", "/send", env, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sent wire.SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.Equal(t, "queued", sent.Status)
	assert.NotEmpty(t, sent.ID)

	w = signedGET(t, router, bob, "/inbox/"+bob.userID(), "")
	require.Equal(t, http.StatusOK, w.Code)

	var inbox wire.InboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox.Messages, 1)

	// Bob can unseal and verify the payload.
	got := inbox.Messages[0]
	ciphertext, err := base64.StdEncoding.DecodeString(got.Message)
	require.NoError(t, err)
	senderPK, ok := parseSigningKey(got.From)
	require.True(t, ok)
	sig, ok := parseSignature(got.Signature)
	require.True(t, ok)
	assert.True(t, crypto.Verify(ciphertext, sig, senderPK))

	plaintext, err := crypto.Unseal(ciphertext, bob.enc)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(plaintext))

	// The fetch tombstoned the message.
	w = signedGET(t, router, bob, "/inbox/"+bob.userID(), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	assert.Empty(t, inbox.Messages)
}

func TestSendRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob, mallory := newIdentity(t), newIdentity(t), newIdentity(t)

	env := alice.envelopeTo(t, bob, "hello", 0)

	// Signature from a different key.
	ciphertext, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	env.Signature = mallory.sign(t, ciphertext)

	w := doJSON(t, router, "POST", "/send", env, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, wire.CodeInvalidSignature, errCode(t, w))
}

func TestSendRejectsTamperedCiphertext(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	env := alice.envelopeTo(t, bob, "hello", 0)
	ciphertext, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	ciphertext[0] ^= 0x01
	env.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)

	w := doJSON(t, router, "POST", "/send", env, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, wire.CodeInvalidSignature, errCode(t, w))
}

func TestSendRateLimited(t *testing.T) {
	srv := newTestServer(t, Config{RateLimitPerSec: 3})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	for i := 0; i < 3; i++ {
		w := doJSON(t, router, "POST", "/send", alice.envelopeTo(t, bob, "spam", int64(i+1)), nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, router, "POST", "/send", alice.envelopeTo(t, bob, "spam", 99), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, wire.CodeRateLimited, errCode(t, w))
}

func TestInboxRequiresOwnerAuth(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	bob, eve := newIdentity(t), newIdentity(t)

	// Eve signs correctly but for her own identity, not bob's inbox.
	w := signedGET(t, router, eve, "/inbox/"+bob.userID(), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// No headers at all.
	req := httptest.NewRequest("GET", "/inbox/"+bob.userID(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInboxSinceCursor(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	doJSON(t, router, "POST", "/send", alice.envelopeTo(t, bob, "old", 10), nil)

	w := signedGET(t, router, bob, "/inbox/"+bob.userID(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var inbox wire.InboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox.Messages, 1)
	cursor := inbox.Messages[0].Timestamp

	doJSON(t, router, "POST", "/send", alice.envelopeTo(t, bob, "new", 20), nil)

	w = signedGET(t, router, bob, "/inbox/"+bob.userID(),
		"?since="+strconv.FormatInt(cursor, 10))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox.Messages, 1)
	assert.Greater(t, inbox.Messages[0].Timestamp, cursor)
}

// The inbox cursor orders by relay arrival, never by sender clocks: a message
// from a lagging clock must still be ahead of an already-advanced cursor.
func TestLaggingSenderClockStillDelivered(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, carol, bob := newIdentity(t), newIdentity(t), newIdentity(t)

	doJSON(t, router, "POST", "/send", alice.envelopeTo(t, bob, "first", 200), nil)

	w := signedGET(t, router, bob, "/inbox/"+bob.userID(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var inbox wire.InboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox.Messages, 1)
	cursor := inbox.Messages[0].Timestamp

	// carol's clock reads an earlier time than bob's cursor.
	doJSON(t, router, "POST", "/send", carol.envelopeTo(t, bob, "behind", 100), nil)

	w = signedGET(t, router, bob, "/inbox/"+bob.userID(),
		"?since="+strconv.FormatInt(cursor, 10))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox.Messages, 1, "a skewed sender timestamp must not hide the message from the poll path")

	ciphertext, err := base64.StdEncoding.DecodeString(inbox.Messages[0].Message)
	require.NoError(t, err)
	plaintext, err := crypto.Unseal(ciphertext, bob.enc)
	require.NoError(t, err)
	assert.Equal(t, "behind", string(plaintext))
}

func TestSendHonorsClientMessageID(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	env := alice.envelopeTo(t, bob, "hello", 0)
	env.ID = "11111111-2222-3333-4444-555555555555"
	w := doJSON(t, router, "POST", "/send", env, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sent wire.SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.Equal(t, env.ID, sent.ID)

	w = signedGET(t, router, bob, "/inbox/"+bob.userID(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var inbox wire.InboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, env.ID, inbox.Messages[0].ID)

	// An oversized id is rejected.
	env = alice.envelopeTo(t, bob, "hello", 0)
	env.ID = strings.Repeat("x", maxClientMessageID+1)
	w = doJSON(t, router, "POST", "/send", env, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, wire.CodeBadRequest, errCode(t, w))
}

func TestPublicKey(t *testing.T) {
	srv := newTestServer(t, Config{})
	w := doJSON(t, srv.Router(), "GET", "/public-key", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp wire.PublicKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, hex.EncodeToString(srv.signing.Public[:]), resp.PublicKey)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)
	doJSON(t, router, "POST", "/send", alice.envelopeTo(t, bob, "hi", 1), nil)

	w := doJSON(t, router, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Queued)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := newRateLimiter(2)

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))

	// Independent senders do not share a window.
	assert.True(t, rl.allow("b"))

	// The window slides; after it passes the sender is allowed again.
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, rl.allow("a"))
}

func TestRateLimiterSweepEvictsIdleSenders(t *testing.T) {
	rl := newRateLimiter(2)
	rl.window = 20 * time.Millisecond

	rl.allow("a")
	rl.allow("b")
	assert.Equal(t, 0, rl.sweep(), "active windows must survive a sweep")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rl.sweep())

	total := 0
	for _, shard := range rl.shards {
		shard.mu.Lock()
		total += len(shard.senders)
		shard.mu.Unlock()
	}
	assert.Zero(t, total, "idle senders must be evicted")
}
