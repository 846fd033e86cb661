package wire

// Envelope is the body of POST /send: a sealed-box ciphertext with a
// detached signature over the raw ciphertext bytes. ID is a client-generated
// idempotency key; the relay reuses it as the queued message ID so a retried
// send after a lost response de-duplicates on the receiving side. Timestamp
// is the sender's local clock, carried for display only — the inbox cursor
// orders by relay arrival time.
type Envelope struct {
	ID             string `json:"id,omitempty"`
	To             string `json:"to"`
	FromSigningKey string `json:"from_signing_key"`
	EncPub         string `json:"enc_pub"`
	Ciphertext     string `json:"ciphertext_b64"`
	Signature      string `json:"signature_b64"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

// InboxMessage is one entry of GET /inbox/{recipient} and the payload of a
// push event. Message and Signature carry the same base64 values the sender
// submitted.
type InboxMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	EncPub    string `json:"enc_pub"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// InboxResponse wraps the inbox entries.
type InboxResponse struct {
	Messages []InboxMessage `json:"messages"`
}

// PublicKeyResponse is the body of GET /public-key.
type PublicKeyResponse struct {
	PublicKey string `json:"public_key_hex"`
}

// SendResponse acknowledges a successful POST /send.
type SendResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// UploadRequest is the body of POST /upload. Blob is base64; ID is the hex
// SHA-256 the client computed over the blob; the signature covers the raw
// blob bytes.
type UploadRequest struct {
	ID             string `json:"id"`
	Blob           string `json:"blob_b64"`
	FromSigningKey string `json:"from_signing_key"`
	Signature      string `json:"signature_b64"`
	Recipient      string `json:"recipient,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
	Name           string `json:"name,omitempty"`
}

// UploadResponse acknowledges a stored attachment.
type UploadResponse struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// Group carries group metadata between relay and clients.
type Group struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	OwnerID    string `json:"owner_id"`
	Public     bool   `json:"public"`
	InviteCode string `json:"invite_code,omitempty"`
	KeyVersion uint64 `json:"key_version"`
}

// Channel is a named message stream inside a group.
type Channel struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
}

// Member is one group membership record. SealedKey is the group key sealed
// to this member's public key, base64-encoded.
type Member struct {
	GroupID    string `json:"group_id"`
	UserID     string `json:"user_id"`
	EncPub     string `json:"enc_pub"`
	Role       string `json:"role"`
	Pending    bool   `json:"pending"`
	SealedKey  string `json:"sealed_key,omitempty"`
	KeyVersion uint64 `json:"key_version"`
}

// Roles used in Member.Role.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// GroupMessage is an AEAD-encrypted group message. Only ciphertext reaches
// the relay; the symmetric group key never does.
type GroupMessage struct {
	ID         string `json:"id"`
	GroupID    string `json:"group_id"`
	ChannelID  string `json:"channel_id"`
	SenderID   string `json:"sender_id"`
	Ciphertext string `json:"ciphertext_b64"`
	Nonce      string `json:"nonce_b64"`
	KeyVersion uint64 `json:"key_version"`
	Timestamp  int64  `json:"timestamp"`
	Attachment string `json:"attachment_id,omitempty"`
}

// GroupMessagesResponse wraps fetched group history.
type GroupMessagesResponse struct {
	Messages   []GroupMessage `json:"messages"`
	KeyVersion uint64         `json:"key_version"`
}

// CreateGroupRequest is the body of POST /groups/create.
type CreateGroupRequest struct {
	Name   string `json:"name"`
	Public bool   `json:"public"`
	EncPub string `json:"enc_pub"`
}

// JoinGroupRequest joins by public group ID or by invite code.
type JoinGroupRequest struct {
	GroupID    string `json:"group_id,omitempty"`
	InviteCode string `json:"invite_code,omitempty"`
	EncPub     string `json:"enc_pub"`
}

// JoinGroupResponse reports the resulting membership state.
type JoinGroupResponse struct {
	Group   Group `json:"group"`
	Pending bool  `json:"pending"`
}

// RekeyResponse reports the new key version after an atomic increment.
type RekeyResponse struct {
	KeyVersion uint64 `json:"key_version"`
}

// SealedKeyUpdate pushes a resealed group key for one member.
type SealedKeyUpdate struct {
	UserID     string `json:"user_id"`
	SealedKey  string `json:"sealed_key"`
	KeyVersion uint64 `json:"key_version"`
}

// MemberKeysResponse returns the sealed key records for a group.
type MemberKeysResponse struct {
	KeyVersion uint64   `json:"key_version"`
	Members    []Member `json:"members"`
}
