package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/limits"
	"github.com/veilchat/veil/wire"
)

const (
	headerSigningKey = "X-Signing-Key"
	headerSignature  = "X-Signature"
)

// API is the typed HTTP client for the relay. Mutating requests are signed
// over the raw body, reads over the URL path; the relay identifies the caller
// by its hex ed25519 public key.
type API struct {
	baseURL string
	http    *http.Client
	signing *crypto.SigningKeyPair
	userID  string
}

// NewAPI builds a relay client for one identity.
func NewAPI(baseURL string, signing *crypto.SigningKeyPair) *API {
	return &API{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		signing: signing,
		userID:  hex.EncodeToString(signing.Public[:]),
	}
}

// UserID returns the caller's identity as the relay sees it.
func (a *API) UserID() string {
	return a.userID
}

func (a *API) signHeader(req *http.Request, payload []byte) error {
	sig, err := crypto.Sign(payload, a.signing)
	if err != nil {
		return err
	}
	req.Header.Set(headerSigningKey, a.userID)
	req.Header.Set(headerSignature, base64.StdEncoding.EncodeToString(sig[:]))
	return nil
}

// post issues a signed POST and decodes the JSON response into out.
func (a *API) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := a.signHeader(req, raw); err != nil {
		return err
	}

	return a.roundTrip(req, out)
}

// get issues a signed GET (signature over the path, query excluded) and
// decodes the JSON response into out.
func (a *API) get(ctx context.Context, path, query string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+path+query, nil)
	if err != nil {
		return err
	}
	if err := a.signHeader(req, []byte(path)); err != nil {
		return err
	}
	return a.roundTrip(req, out)
}

func (a *API) roundTrip(req *http.Request, out any) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limits.MaxProcessingBuffer))
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		return classify(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed relay response: %w", err)
	}
	return nil
}

// classify maps an error response back to the shared sentinel taxonomy.
func classify(status int, data []byte) error {
	var body wire.ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return fmt.Errorf("%w: relay returned status %d", wire.ErrNetworkUnavailable, status)
	}
	return fmt.Errorf("%w: %s", wire.SentinelForCode(body.Code), body.Error)
}

// Send submits a pairwise envelope and returns the assigned message ID.
func (a *API) Send(ctx context.Context, env wire.Envelope) (string, error) {
	var resp wire.SendResponse
	if err := a.post(ctx, "/send", env, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Fetch retrieves and tombstones inbox messages newer than since.
func (a *API) Fetch(ctx context.Context, since int64) ([]wire.InboxMessage, error) {
	var resp wire.InboxResponse
	query := ""
	if since > 0 {
		query = "?since=" + strconv.FormatInt(since, 10)
	}
	if err := a.get(ctx, "/inbox/"+a.userID, query, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// ServerKey fetches the relay's signing identity.
func (a *API) ServerKey(ctx context.Context) (string, error) {
	var resp wire.PublicKeyResponse
	if err := a.get(ctx, "/public-key", "", &resp); err != nil {
		return "", err
	}
	return resp.PublicKey, nil
}

// Upload stores a blob content-addressed by its SHA-256 and returns the ID.
func (a *API) Upload(ctx context.Context, blob []byte, name, recipient, groupID string) (string, error) {
	if err := limits.ValidateAttachment(blob, limits.MaxAttachmentSize); err != nil {
		return "", err
	}

	sig, err := crypto.Sign(blob, a.signing)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)

	req := wire.UploadRequest{
		ID:             hex.EncodeToString(sum[:]),
		Blob:           base64.StdEncoding.EncodeToString(blob),
		FromSigningKey: a.userID,
		Signature:      base64.StdEncoding.EncodeToString(sig[:]),
		Recipient:      recipient,
		GroupID:        groupID,
		Name:           name,
	}

	var resp wire.UploadResponse
	if err := a.post(ctx, "/upload", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Download fetches a stored blob and re-verifies its content hash.
func (a *API) Download(ctx context.Context, id string) ([]byte, error) {
	path := "/download/" + id
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if err := a.signHeader(req, []byte(path)); err != nil {
		return nil, err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limits.MaxProcessingBuffer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrNetworkUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return nil, classify(resp.StatusCode, data)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != id {
		return nil, fmt.Errorf("%w: downloaded blob does not match its id", wire.ErrIntegrityMismatch)
	}
	return data, nil
}

// CreateGroup creates a group owned by the caller.
func (a *API) CreateGroup(ctx context.Context, name string, public bool, encPub string) (*wire.Group, error) {
	var g wire.Group
	err := a.post(ctx, "/groups/create", wire.CreateGroupRequest{Name: name, Public: public, EncPub: encPub}, &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// JoinGroup joins by invite code or public group ID.
func (a *API) JoinGroup(ctx context.Context, req wire.JoinGroupRequest) (*wire.JoinGroupResponse, error) {
	var resp wire.JoinGroupResponse
	if err := a.post(ctx, "/groups/join", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LeaveGroup removes the caller's membership.
func (a *API) LeaveGroup(ctx context.Context, groupID string) error {
	return a.post(ctx, "/groups/leave", map[string]string{"group_id": groupID}, nil)
}

// ListGroups returns the caller's groups.
func (a *API) ListGroups(ctx context.Context) ([]wire.Group, error) {
	var resp map[string][]wire.Group
	if err := a.get(ctx, "/groups/list", "", &resp); err != nil {
		return nil, err
	}
	return resp["groups"], nil
}

// DiscoverGroups lists public groups matching a name substring.
func (a *API) DiscoverGroups(ctx context.Context, name string) ([]wire.Group, error) {
	var resp map[string][]wire.Group
	query := ""
	if name != "" {
		query = "?" + url.Values{"name": {name}}.Encode()
	}
	if err := a.get(ctx, "/groups/discover", query, &resp); err != nil {
		return nil, err
	}
	return resp["groups"], nil
}

// CreateChannel adds a named channel. Admin or owner only.
func (a *API) CreateChannel(ctx context.Context, groupID, name string) (*wire.Channel, error) {
	var ch wire.Channel
	if err := a.post(ctx, "/groups/"+groupID+"/channels/create", map[string]string{"name": name}, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChannels returns a group's channels.
func (a *API) ListChannels(ctx context.Context, groupID string) ([]wire.Channel, error) {
	var resp map[string][]wire.Channel
	if err := a.get(ctx, "/groups/"+groupID+"/channels", "", &resp); err != nil {
		return nil, err
	}
	return resp["channels"], nil
}

// GroupSend submits an encrypted group message.
func (a *API) GroupSend(ctx context.Context, groupID string, msg wire.GroupMessage) (string, error) {
	var resp wire.SendResponse
	if err := a.post(ctx, "/groups/"+groupID+"/messages/send", msg, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GroupMessages fetches group history newer than since.
func (a *API) GroupMessages(ctx context.Context, groupID, channelID string, since int64) (*wire.GroupMessagesResponse, error) {
	query := "?since=" + strconv.FormatInt(since, 10)
	if channelID != "" {
		query += "&channel=" + channelID
	}
	var resp wire.GroupMessagesResponse
	if err := a.get(ctx, "/groups/"+groupID+"/messages", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rekey asks the relay to atomically bump the group's key version.
func (a *API) Rekey(ctx context.Context, groupID string) (uint64, error) {
	var resp wire.RekeyResponse
	if err := a.post(ctx, "/groups/"+groupID+"/rekey", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.KeyVersion, nil
}

// MemberKeys fetches the group's sealed key records.
func (a *API) MemberKeys(ctx context.Context, groupID string) (*wire.MemberKeysResponse, error) {
	var resp wire.MemberKeysResponse
	if err := a.get(ctx, "/groups/"+groupID+"/members/keys", "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateMemberKey pushes a resealed key blob for one member.
func (a *API) UpdateMemberKey(ctx context.Context, groupID string, update wire.SealedKeyUpdate) error {
	return a.post(ctx, "/groups/"+groupID+"/members/keys/update", update, nil)
}

// ApproveMember clears a pending membership. Admin or owner only.
func (a *API) ApproveMember(ctx context.Context, groupID, userID string) error {
	return a.post(ctx, "/groups/"+groupID+"/members/approve", map[string]string{"user_id": userID}, nil)
}

// BanMember removes and bans a member. Admin or owner only.
func (a *API) BanMember(ctx context.Context, groupID, userID string) error {
	return a.post(ctx, "/groups/"+groupID+"/members/ban", map[string]string{"user_id": userID}, nil)
}

// RotateInvite replaces the group's invite code and returns the new one.
func (a *API) RotateInvite(ctx context.Context, groupID string) (string, error) {
	var resp map[string]string
	if err := a.post(ctx, "/groups/"+groupID+"/invites/rotate", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp["invite_code"], nil
}

// SetPublic toggles public discoverability. Admin or owner only.
func (a *API) SetPublic(ctx context.Context, groupID string, public bool) error {
	return a.post(ctx, "/groups/"+groupID+"/public/set", map[string]bool{"public": public}, nil)
}
