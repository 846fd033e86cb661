package relay

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/relay/backend"
	"github.com/veilchat/veil/wire"
)

// attachmentStore is a content-addressed blob store: each file is named by
// the hex SHA-256 of its contents, so a stored blob can always be re-verified
// and uploads are naturally idempotent.
type attachmentStore struct {
	dir string
}

func newAttachmentStore(dir string) (*attachmentStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	return &attachmentStore{dir: dir}, nil
}

func (a *attachmentStore) path(id string) string {
	return filepath.Join(a.dir, id)
}

// save writes a blob under its content hash via temp file + rename.
func (a *attachmentStore) save(id string, blob []byte) error {
	target := a.path(id)
	if _, err := os.Stat(target); err == nil {
		// Same hash means same content.
		return nil
	}

	tmp, err := os.CreateTemp(a.dir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close attachment: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish attachment: %w", err)
	}
	return nil
}

func (a *attachmentStore) load(id string) ([]byte, error) {
	blob, err := os.ReadFile(a.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, wire.ErrNotFound
	}
	return blob, err
}

// handleUpload stores an attachment blob. The ID must be the hex SHA-256 of
// the blob, the signature must cover the raw blob bytes, and the size must
// fit the configured ceiling.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "unreadable body")
		return
	}

	var req wire.UploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "malformed upload request")
		return
	}
	if req.ID == "" || req.Blob == "" || req.FromSigningKey == "" {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "missing upload fields")
		return
	}

	blob, err := base64.StdEncoding.DecodeString(req.Blob)
	if err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "malformed blob")
		return
	}
	if int64(len(blob)) > s.maxAttachment.Load() {
		writeError(w, http.StatusRequestEntityTooLarge, wire.CodeAttachmentTooLarge,
			fmt.Sprintf("attachment exceeds %d bytes", s.maxAttachment.Load()))
		return
	}

	senderPK, ok := parseSigningKey(req.FromSigningKey)
	if !ok {
		writeError(w, http.StatusBadRequest, wire.CodeInvalidSignature, "malformed signing key")
		return
	}
	sig, ok := parseSignature(req.Signature)
	if !ok {
		writeError(w, http.StatusBadRequest, wire.CodeInvalidSignature, "malformed signature")
		return
	}
	if !crypto.Verify(blob, sig, senderPK) {
		writeError(w, http.StatusBadRequest, wire.CodeInvalidSignature, "signature verification failed")
		return
	}

	sum := sha256.Sum256(blob)
	if hex.EncodeToString(sum[:]) != req.ID {
		writeError(w, http.StatusBadRequest, wire.CodeIntegrityMismatch, "content hash does not match id")
		return
	}

	if err := s.attachments.save(req.ID, blob); err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "relay",
			"error":   err,
		}).Error("failed to store attachment")
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}

	meta := backend.AttachmentMeta{
		ID:        req.ID,
		Name:      req.Name,
		Size:      int64(len(blob)),
		Uploader:  req.FromSigningKey,
		Recipient: req.Recipient,
		GroupID:   req.GroupID,
		CreatedAt: time.Now(),
	}
	if err := s.groups.SaveAttachment(r.Context(), meta); err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}

	writeJSON(w, http.StatusOK, wire.UploadResponse{ID: req.ID, Size: meta.Size})
}

// handleDownload serves a stored blob to its uploader, its addressed
// recipient, or a verified member of its group.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	identity, ok := authenticateGET(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, wire.CodeInvalidSignature, "authentication required")
		return
	}

	meta, err := s.groups.GetAttachment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown attachment")
		return
	}

	if !s.mayDownload(r, identity, meta) {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "not authorized for this attachment")
		return
	}

	blob, err := s.attachments.load(id)
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "attachment blob missing")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

func (s *Server) mayDownload(r *http.Request, identity string, meta *backend.AttachmentMeta) bool {
	if identity == meta.Uploader || (meta.Recipient != "" && identity == meta.Recipient) {
		return true
	}
	if meta.GroupID == "" {
		return false
	}
	member, err := s.groups.GetMember(r.Context(), meta.GroupID, identity)
	return err == nil && !member.Pending
}
