package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/wire"
)

type leaveGroupRequest struct {
	GroupID string `json:"group_id"`
}

type createChannelRequest struct {
	Name string `json:"name"`
}

type memberActionRequest struct {
	UserID string `json:"user_id"`
}

type setPublicRequest struct {
	Public bool `json:"public"`
}

// authedBody authenticates a POST and unmarshals its body into dst.
func (s *Server) authedBody(w http.ResponseWriter, r *http.Request, dst any) (string, bool) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "unreadable body")
		return "", false
	}
	identity, ok := authenticate(r, body)
	if !ok {
		writeError(w, http.StatusUnauthorized, wire.CodeInvalidSignature, "authentication required")
		return "", false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "malformed request body")
		return "", false
	}
	return identity, true
}

// requireMember loads the caller's non-pending membership or writes the
// error response.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, groupID, identity string) (*wire.Member, bool) {
	member, err := s.groups.GetMember(r.Context(), groupID, identity)
	if err != nil || member.Pending {
		writeError(w, http.StatusForbidden, wire.CodeNotMember, "not a member of this group")
		return nil, false
	}
	return member, true
}

func isAdmin(m *wire.Member) bool {
	return m.Role == wire.RoleOwner || m.Role == wire.RoleAdmin
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateGroupRequest
	identity, ok := s.authedBody(w, r, &req)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "group name required")
		return
	}

	g := wire.Group{
		ID:         uuid.New().String(),
		Name:       req.Name,
		OwnerID:    identity,
		Public:     req.Public,
		InviteCode: uuid.New().String(),
		KeyVersion: 1,
	}
	if err := s.groups.CreateGroup(r.Context(), g); err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}

	owner := wire.Member{
		GroupID: g.ID,
		UserID:  identity,
		EncPub:  req.EncPub,
		Role:    wire.RoleOwner,
	}
	if err := s.groups.AddMember(r.Context(), owner); err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}

	logrus.WithFields(logrus.Fields{
		"package":  "relay",
		"group_id": g.ID,
	}).Info("group created")

	writeJSON(w, http.StatusOK, g)
}

// handleJoinGroup joins by invite code (immediate) or by public group ID
// (pending until an admin approves).
func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	var req wire.JoinGroupRequest
	identity, ok := s.authedBody(w, r, &req)
	if !ok {
		return
	}

	var (
		g       *wire.Group
		pending bool
		err     error
	)
	switch {
	case req.InviteCode != "":
		g, err = s.groups.GetGroupByInvite(r.Context(), req.InviteCode)
	case req.GroupID != "":
		g, err = s.groups.GetGroup(r.Context(), req.GroupID)
		if err == nil && !g.Public {
			writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "group requires an invite")
			return
		}
		pending = true
	default:
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "group_id or invite_code required")
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}

	banned, err := s.groups.IsBanned(r.Context(), g.ID, identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	if banned {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "banned from this group")
		return
	}

	// Rejoining resets nothing for an existing member.
	if existing, err := s.groups.GetMember(r.Context(), g.ID, identity); err == nil {
		writeJSON(w, http.StatusOK, wire.JoinGroupResponse{Group: *g, Pending: existing.Pending})
		return
	}

	member := wire.Member{
		GroupID: g.ID,
		UserID:  identity,
		EncPub:  req.EncPub,
		Role:    wire.RoleMember,
		Pending: pending,
	}
	if err := s.groups.AddMember(r.Context(), member); err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}

	resp := wire.JoinGroupResponse{Group: *g, Pending: pending}
	if pending {
		resp.Group.InviteCode = ""
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	var req leaveGroupRequest
	identity, ok := s.authedBody(w, r, &req)
	if !ok {
		return
	}

	g, err := s.groups.GetGroup(r.Context(), req.GroupID)
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}
	if g.OwnerID == identity {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "owner cannot leave the group")
		return
	}

	if err := s.groups.RemoveMember(r.Context(), req.GroupID, identity); err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	identity, ok := authenticateGET(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, wire.CodeInvalidSignature, "authentication required")
		return
	}

	groups, err := s.groups.ListGroupsForUser(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]wire.Group{"groups": groups})
}

// handleDiscoverGroups lists public groups; no authentication, discovery is
// open by definition.
func (s *Server) handleDiscoverGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.groups.DiscoverGroups(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]wire.Group{"groups": groups})
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	var req createChannelRequest
	identity, ok := s.authedBody(w, r, &req)
	if !ok {
		return
	}
	member, ok := s.requireMember(w, r, groupID, identity)
	if !ok {
		return
	}
	if !isAdmin(member) {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "admin role required")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "channel name required")
		return
	}

	ch := wire.Channel{ID: uuid.New().String(), GroupID: groupID, Name: req.Name}
	if err := s.groups.CreateChannel(r.Context(), ch); err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	identity, ok := authenticateGET(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, wire.CodeInvalidSignature, "authentication required")
		return
	}
	if _, ok := s.requireMember(w, r, groupID, identity); !ok {
		return
	}

	channels, err := s.groups.ListChannels(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]wire.Channel{"channels": channels})
}

// handleGroupSend appends an encrypted group message. The sender must be a
// non-pending member and must encrypt under the group's current key version;
// a stale version is rejected so the sender reconciles instead of writing
// history nobody can read.
func (s *Server) handleGroupSend(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	var msg wire.GroupMessage
	identity, ok := s.authedBody(w, r, &msg)
	if !ok {
		return
	}
	if _, ok := s.requireMember(w, r, groupID, identity); !ok {
		return
	}
	if msg.Ciphertext == "" || msg.Nonce == "" {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "ciphertext and nonce required")
		return
	}

	g, err := s.groups.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}
	if msg.KeyVersion != g.KeyVersion {
		writeError(w, http.StatusConflict, wire.CodeKeyVersionMismatch, "group key version mismatch")
		return
	}

	if !s.limiter.allow(identity) {
		writeError(w, http.StatusTooManyRequests, wire.CodeRateLimited, "rate limit exceeded")
		return
	}

	msg.ID = uuid.New().String()
	msg.GroupID = groupID
	msg.SenderID = identity
	// Same rule as the pairwise queue: the since cursor orders by relay
	// arrival, never by the sender's clock.
	msg.Timestamp = s.arrivalTimestamp()

	if err := s.groups.AppendMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, wire.SendResponse{Status: "stored", ID: msg.ID})
}

func (s *Server) handleGroupMessages(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	identity, ok := authenticateGET(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, wire.CodeInvalidSignature, "authentication required")
		return
	}
	if _, ok := s.requireMember(w, r, groupID, identity); !ok {
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

	g, err := s.groups.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}

	msgs, err := s.groups.MessagesSince(r.Context(), groupID, r.URL.Query().Get("channel"), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, wire.GroupMessagesResponse{Messages: msgs, KeyVersion: g.KeyVersion})
}

func (s *Server) handleMemberKeys(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	identity, ok := authenticateGET(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, wire.CodeInvalidSignature, "authentication required")
		return
	}
	if _, ok := s.requireMember(w, r, groupID, identity); !ok {
		return
	}

	g, err := s.groups.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}
	members, err := s.groups.ListMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, wire.MemberKeysResponse{KeyVersion: g.KeyVersion, Members: members})
}

func (s *Server) handleUpdateMemberKey(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	var update wire.SealedKeyUpdate
	identity, ok := s.authedBody(w, r, &update)
	if !ok {
		return
	}
	if _, ok := s.requireMember(w, r, groupID, identity); !ok {
		return
	}

	if err := s.groups.SetMemberKey(r.Context(), groupID, update); err != nil {
		if errors.Is(err, wire.ErrNotMember) {
			writeError(w, http.StatusNotFound, wire.CodeNotMember, "target is not a member")
			return
		}
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleApproveMember(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	var req memberActionRequest
	identity, ok := s.authedBody(w, r, &req)
	if !ok {
		return
	}
	member, ok := s.requireMember(w, r, groupID, identity)
	if !ok {
		return
	}
	if !isAdmin(member) {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "admin role required")
		return
	}

	if err := s.groups.ApproveMember(r.Context(), groupID, req.UserID); err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotMember, "target is not a member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleBanMember(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	var req memberActionRequest
	identity, ok := s.authedBody(w, r, &req)
	if !ok {
		return
	}
	member, ok := s.requireMember(w, r, groupID, identity)
	if !ok {
		return
	}
	if !isAdmin(member) {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "admin role required")
		return
	}

	g, err := s.groups.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}
	if req.UserID == g.OwnerID {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "cannot ban the owner")
		return
	}

	if err := s.groups.BanMember(r.Context(), groupID, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, wire.CodeInternal, "storage failure")
		return
	}

	logrus.WithFields(logrus.Fields{
		"package":  "relay",
		"group_id": groupID,
	}).Info("member banned")

	writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

// handleRekey atomically increments the group's key version. Admin or owner
// only; the caller then generates and distributes the new key client-side.
func (s *Server) handleRekey(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	var empty struct{}
	identity, ok := s.authedBody(w, r, &empty)
	if !ok {
		return
	}
	member, ok := s.requireMember(w, r, groupID, identity)
	if !ok {
		return
	}
	if !isAdmin(member) {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "admin role required")
		return
	}

	version, err := s.groups.IncrementKeyVersion(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}

	logrus.WithFields(logrus.Fields{
		"package":     "relay",
		"group_id":    groupID,
		"key_version": version,
	}).Info("group key version incremented")

	writeJSON(w, http.StatusOK, wire.RekeyResponse{KeyVersion: version})
}

func (s *Server) handleRotateInvite(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	var empty struct{}
	identity, ok := s.authedBody(w, r, &empty)
	if !ok {
		return
	}
	member, ok := s.requireMember(w, r, groupID, identity)
	if !ok {
		return
	}
	if !isAdmin(member) {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "admin role required")
		return
	}

	code := uuid.New().String()
	if err := s.groups.SetInviteCode(r.Context(), groupID, code); err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"invite_code": code})
}

func (s *Server) handleSetPublic(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]

	var req setPublicRequest
	identity, ok := s.authedBody(w, r, &req)
	if !ok {
		return
	}
	member, ok := s.requireMember(w, r, groupID, identity)
	if !ok {
		return
	}
	if !isAdmin(member) {
		writeError(w, http.StatusForbidden, wire.CodeNotAuthorized, "admin role required")
		return
	}

	if err := s.groups.SetPublic(r.Context(), groupID, req.Public); err != nil {
		writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown group")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
