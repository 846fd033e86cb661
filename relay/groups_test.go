package relay

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorilla/mux"

	"github.com/veilchat/veil/wire"
)

func createGroup(t *testing.T, router *mux.Router, owner *testIdentity, name string, public bool) wire.Group {
	t.Helper()
	w := signedPOST(t, router, owner, "/groups/create", wire.CreateGroupRequest{
		Name:   name,
		Public: public,
		EncPub: hex.EncodeToString(owner.enc.Public[:]),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var g wire.Group
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &g))
	return g
}

func joinByInvite(t *testing.T, router *mux.Router, id *testIdentity, code string) wire.JoinGroupResponse {
	t.Helper()
	w := signedPOST(t, router, id, "/groups/join", wire.JoinGroupRequest{
		InviteCode: code,
		EncPub:     hex.EncodeToString(id.enc.Public[:]),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp wire.JoinGroupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestGroupCreateAndJoin(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	g := createGroup(t, router, alice, "book club", false)
	assert.Equal(t, alice.userID(), g.OwnerID)
	assert.Equal(t, uint64(1), g.KeyVersion)
	assert.NotEmpty(t, g.InviteCode)

	resp := joinByInvite(t, router, bob, g.InviteCode)
	assert.False(t, resp.Pending, "invite joins are immediate")

	w := signedGET(t, router, bob, "/groups/list", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list map[string][]wire.Group
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list["groups"], 1)
	assert.Equal(t, g.ID, list["groups"][0].ID)
}

func TestPublicJoinIsPendingUntilApproved(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	g := createGroup(t, router, alice, "open forum", true)

	w := signedPOST(t, router, bob, "/groups/join", wire.JoinGroupRequest{
		GroupID: g.ID,
		EncPub:  hex.EncodeToString(bob.enc.Public[:]),
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp wire.JoinGroupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Pending)
	assert.Empty(t, resp.Group.InviteCode, "pending members must not see the invite code")

	// Pending members cannot read group state.
	w = signedGET(t, router, bob, "/groups/"+g.ID+"/members/keys", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = signedPOST(t, router, alice, "/groups/"+g.ID+"/members/approve",
		memberActionRequest{UserID: bob.userID()})
	require.Equal(t, http.StatusOK, w.Code)

	w = signedGET(t, router, bob, "/groups/"+g.ID+"/members/keys", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGroupSendEnforcesKeyVersion(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice := newIdentity(t)

	g := createGroup(t, router, alice, "ops", false)

	msg := wire.GroupMessage{
		Ciphertext: base64.StdEncoding.EncodeToString([]byte("ct")),
		Nonce:      base64.StdEncoding.EncodeToString(make([]byte, 24)),
		KeyVersion: 1,
		Timestamp:  10,
	}
	w := signedPOST(t, router, alice, "/groups/"+g.ID+"/messages/send", msg)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Rekey bumps the version; the old version is now rejected.
	w = signedPOST(t, router, alice, "/groups/"+g.ID+"/rekey", struct{}{})
	require.Equal(t, http.StatusOK, w.Code)
	var rekey wire.RekeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rekey))
	assert.Equal(t, uint64(2), rekey.KeyVersion)

	w = signedPOST(t, router, alice, "/groups/"+g.ID+"/messages/send", msg)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, wire.CodeKeyVersionMismatch, errCode(t, w))

	msg.KeyVersion = 2
	w = signedPOST(t, router, alice, "/groups/"+g.ID+"/messages/send", msg)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGroupMessagesSinceAndChannels(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice := newIdentity(t)

	g := createGroup(t, router, alice, "ops", false)

	w := signedPOST(t, router, alice, "/groups/"+g.ID+"/channels/create",
		createChannelRequest{Name: "general"})
	require.Equal(t, http.StatusOK, w.Code)
	var ch wire.Channel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))

	for i := 0; i < 3; i++ {
		msg := wire.GroupMessage{
			ChannelID:  ch.ID,
			Ciphertext: base64.StdEncoding.EncodeToString([]byte("ct")),
			Nonce:      base64.StdEncoding.EncodeToString(make([]byte, 24)),
			KeyVersion: 1,
		}
		w = signedPOST(t, router, alice, "/groups/"+g.ID+"/messages/send", msg)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Arrival timestamps are relay-assigned; read them back to build a cursor.
	w = signedGET(t, router, alice, "/groups/"+g.ID+"/messages", "?channel="+ch.ID)
	require.Equal(t, http.StatusOK, w.Code)
	var resp wire.GroupMessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 3)
	cursor := resp.Messages[0].Timestamp

	w = signedGET(t, router, alice, "/groups/"+g.ID+"/messages",
		"?since="+strconv.FormatInt(cursor, 10)+"&channel="+ch.ID)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 2)
	assert.Equal(t, uint64(1), resp.KeyVersion)

	w = signedGET(t, router, alice, "/groups/"+g.ID+"/channels", "")
	require.Equal(t, http.StatusOK, w.Code)
	var channels map[string][]wire.Channel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &channels))
	assert.Len(t, channels["channels"], 1)
}

func TestGroupSendRequiresMembership(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, eve := newIdentity(t), newIdentity(t)

	g := createGroup(t, router, alice, "private", false)

	msg := wire.GroupMessage{
		Ciphertext: base64.StdEncoding.EncodeToString([]byte("ct")),
		Nonce:      base64.StdEncoding.EncodeToString(make([]byte, 24)),
		KeyVersion: 1,
	}
	w := signedPOST(t, router, eve, "/groups/"+g.ID+"/messages/send", msg)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, wire.CodeNotMember, errCode(t, w))
}

func TestBanBlocksRejoin(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	g := createGroup(t, router, alice, "moderated", false)
	joinByInvite(t, router, bob, g.InviteCode)

	w := signedPOST(t, router, alice, "/groups/"+g.ID+"/members/ban",
		memberActionRequest{UserID: bob.userID()})
	require.Equal(t, http.StatusOK, w.Code)

	// Bob is out and cannot come back, even with a valid invite.
	w = signedGET(t, router, bob, "/groups/"+g.ID+"/members/keys", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = signedPOST(t, router, bob, "/groups/join", wire.JoinGroupRequest{InviteCode: g.InviteCode})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, wire.CodeNotAuthorized, errCode(t, w))
}

func TestRekeyRequiresAdmin(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	g := createGroup(t, router, alice, "locked", false)
	joinByInvite(t, router, bob, g.InviteCode)

	w := signedPOST(t, router, bob, "/groups/"+g.ID+"/rekey", struct{}{})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, wire.CodeNotAuthorized, errCode(t, w))
}

func TestInviteRotationInvalidatesOldCode(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	g := createGroup(t, router, alice, "rotating", false)
	oldCode := g.InviteCode

	w := signedPOST(t, router, alice, "/groups/"+g.ID+"/invites/rotate", struct{}{})
	require.Equal(t, http.StatusOK, w.Code)
	var rotated map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	require.NotEqual(t, oldCode, rotated["invite_code"])

	w = signedPOST(t, router, bob, "/groups/join", wire.JoinGroupRequest{InviteCode: oldCode})
	assert.Equal(t, http.StatusNotFound, w.Code)

	resp := joinByInvite(t, router, bob, rotated["invite_code"])
	assert.False(t, resp.Pending)
}

func TestDiscoverListsOnlyPublicGroups(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice := newIdentity(t)

	createGroup(t, router, alice, "go meetup", true)
	createGroup(t, router, alice, "secret society", false)

	w := doJSON(t, router, "GET", "/groups/discover?name=go", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list map[string][]wire.Group
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list["groups"], 1)
	assert.Equal(t, "go meetup", list["groups"][0].Name)
	assert.Empty(t, list["groups"][0].InviteCode)
}

func TestUpdateMemberKeyFlow(t *testing.T) {
	srv := newTestServer(t, Config{})
	router := srv.Router()
	alice, bob := newIdentity(t), newIdentity(t)

	g := createGroup(t, router, alice, "keyed", false)
	joinByInvite(t, router, bob, g.InviteCode)

	w := signedPOST(t, router, alice, "/groups/"+g.ID+"/members/keys/update",
		wire.SealedKeyUpdate{UserID: bob.userID(), SealedKey: "sealed-blob", KeyVersion: 1})
	require.Equal(t, http.StatusOK, w.Code)

	w = signedGET(t, router, bob, "/groups/"+g.ID+"/members/keys", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp wire.MemberKeysResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	var found bool
	for _, m := range resp.Members {
		if m.UserID == bob.userID() {
			found = true
			assert.Equal(t, "sealed-blob", m.SealedKey)
			assert.Equal(t, uint64(1), m.KeyVersion)
		}
	}
	assert.True(t, found)
}
