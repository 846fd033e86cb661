package relay

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/limits"
	"github.com/veilchat/veil/wire"
)

// maxClientMessageID bounds the client-supplied idempotency key.
const maxClientMessageID = 64

// handleSend accepts a pairwise envelope: verify the detached signature over
// the raw ciphertext, rate limit the sender, persist, then push to any live
// connection. The message stays queued until the recipient fetches it.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "unreadable body")
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "malformed envelope")
		return
	}
	if env.To == "" || env.FromSigningKey == "" || env.Ciphertext == "" || env.Signature == "" {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "missing envelope fields")
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "malformed ciphertext")
		return
	}
	if err := limits.ValidateEncryptedMessage(ciphertext); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, err.Error())
		return
	}

	senderPK, ok := parseSigningKey(env.FromSigningKey)
	if !ok {
		writeError(w, http.StatusBadRequest, wire.CodeInvalidSignature, "malformed signing key")
		return
	}
	sig, ok := parseSignature(env.Signature)
	if !ok {
		writeError(w, http.StatusBadRequest, wire.CodeInvalidSignature, "malformed signature")
		return
	}
	if !crypto.Verify(ciphertext, sig, senderPK) {
		writeError(w, http.StatusBadRequest, wire.CodeInvalidSignature, "signature verification failed")
		return
	}

	if !s.limiter.allow(env.FromSigningKey) {
		writeError(w, http.StatusTooManyRequests, wire.CodeRateLimited, "rate limit exceeded")
		return
	}

	id := env.ID
	if len(id) > maxClientMessageID {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "message id too long")
		return
	}
	if id == "" {
		id = uuid.New().String()
	}

	// The queue cursor orders by relay arrival time. The envelope timestamp
	// is the sender's clock and cannot be trusted for ordering: a lagging
	// sender would land behind cursors that have already advanced.
	msg := wire.InboxMessage{
		ID:        id,
		From:      env.FromSigningKey,
		EncPub:    env.EncPub,
		Message:   env.Ciphertext,
		Signature: env.Signature,
		Timestamp: s.arrivalTimestamp(),
	}

	if err := s.queue.Enqueue(r.Context(), env.To, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "relay",
			"error":   err,
		}).Error("failed to enqueue message")
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}

	// Best-effort push; the queued copy remains authoritative.
	s.hub.notify(env.To, msg)

	logrus.WithFields(logrus.Fields{
		"package":    "relay",
		"message_id": msg.ID,
		"recipient":  env.To[:min(8, len(env.To))],
	}).Debug("message queued")

	writeJSON(w, http.StatusOK, wire.SendResponse{Status: "queued", ID: msg.ID})
}

// handleInbox returns undelivered messages newer than ?since and tombstones
// them. Only the recipient identity may fetch its inbox.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	recipient := mux.Vars(r)["recipient"]

	identity, ok := authenticateGET(r)
	if !ok || identity != recipient {
		writeError(w, http.StatusUnauthorized, wire.CodeInvalidSignature, "authentication required")
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "malformed since parameter")
			return
		}
		since = parsed
	}

	msgs, err := s.queue.FetchSince(r.Context(), recipient, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}

	writeJSON(w, http.StatusOK, wire.InboxResponse{Messages: msgs})
}

// handlePublicKey returns the relay's signing identity.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.PublicKeyResponse{
		PublicKey: hex.EncodeToString(s.signing.Public[:]),
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	Recipients  int    `json:"recipients"`
	Queued      int    `json:"queued"`
	Connections int    `json:"connections"`
}

// handleHealth reports liveness plus queue occupancy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Recipients:  stats.Recipients,
		Queued:      stats.Queued,
		Connections: s.hub.connectionCount(),
	})
}
