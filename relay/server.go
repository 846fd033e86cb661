package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/limits"
	"github.com/veilchat/veil/relay/backend"
)

// Config carries the relay's tunables. RateLimitPerSec, MessageTTL and
// MaxAttachmentBytes are hot-reloadable through the Set methods.
type Config struct {
	RateLimitPerSec    int
	MessageTTL         time.Duration
	MaxAttachmentBytes int64
	AttachmentDir      string
	PurgeInterval      time.Duration
}

// Server is the relay. It owns a signing identity, delegates message storage
// to a backend.Queue and group state to a backend.GroupStore, and serves the
// HTTP API from Router.
type Server struct {
	signing     *crypto.SigningKeyPair
	queue       backend.Queue
	groups      backend.GroupStore
	limiter     *rateLimiter
	hub         *pushHub
	attachments *attachmentStore

	maxAttachment atomic.Int64
	purgeInterval time.Duration
	lastArrival   atomic.Int64

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a relay server with a fresh signing identity.
func New(cfg Config, queue backend.Queue, groups backend.GroupStore) (*Server, error) {
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate server identity: %w", err)
	}

	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = limits.MaxAttachmentSize
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 5 * time.Minute
	}
	if cfg.AttachmentDir == "" {
		cfg.AttachmentDir = "attachments"
	}

	store, err := newAttachmentStore(cfg.AttachmentDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		signing:       signing,
		queue:         queue,
		groups:        groups,
		limiter:       newRateLimiter(cfg.RateLimitPerSec),
		hub:           newPushHub(),
		attachments:   store,
		purgeInterval: cfg.PurgeInterval,
	}
	s.maxAttachment.Store(cfg.MaxAttachmentBytes)
	return s, nil
}

// Router builds the HTTP API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/send", s.handleSend).Methods("POST")
	r.HandleFunc("/inbox/{recipient}", s.handleInbox).Methods("GET")
	r.HandleFunc("/public-key", s.handlePublicKey).Methods("GET")
	r.HandleFunc("/upload", s.handleUpload).Methods("POST")
	r.HandleFunc("/download/{id}", s.handleDownload).Methods("GET")
	r.HandleFunc("/push/{identity}", s.handlePush).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	r.HandleFunc("/groups/create", s.handleCreateGroup).Methods("POST")
	r.HandleFunc("/groups/join", s.handleJoinGroup).Methods("POST")
	r.HandleFunc("/groups/leave", s.handleLeaveGroup).Methods("POST")
	r.HandleFunc("/groups/list", s.handleListGroups).Methods("GET")
	r.HandleFunc("/groups/discover", s.handleDiscoverGroups).Methods("GET")
	r.HandleFunc("/groups/{id}/channels/create", s.handleCreateChannel).Methods("POST")
	r.HandleFunc("/groups/{id}/channels", s.handleListChannels).Methods("GET")
	r.HandleFunc("/groups/{id}/messages/send", s.handleGroupSend).Methods("POST")
	r.HandleFunc("/groups/{id}/messages", s.handleGroupMessages).Methods("GET")
	r.HandleFunc("/groups/{id}/members/keys", s.handleMemberKeys).Methods("GET")
	r.HandleFunc("/groups/{id}/members/keys/update", s.handleUpdateMemberKey).Methods("POST")
	r.HandleFunc("/groups/{id}/members/approve", s.handleApproveMember).Methods("POST")
	r.HandleFunc("/groups/{id}/members/ban", s.handleBanMember).Methods("POST")
	r.HandleFunc("/groups/{id}/rekey", s.handleRekey).Methods("POST")
	r.HandleFunc("/groups/{id}/invites/rotate", s.handleRotateInvite).Methods("POST")
	r.HandleFunc("/groups/{id}/public/set", s.handleSetPublic).Methods("POST")

	return r
}

// Start launches the TTL purge loop. Idempotent.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.purgeLoop(s.stopChan)
}

// Stop halts background work and closes push connections.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.hub.closeAll()
}

// SetRateLimit applies a hot-reloaded per-sender budget.
func (s *Server) SetRateLimit(perSec int) {
	s.limiter.setLimit(perSec)
}

// SetMaxAttachmentBytes applies a hot-reloaded attachment ceiling.
func (s *Server) SetMaxAttachmentBytes(n int64) {
	if n > 0 {
		s.maxAttachment.Store(n)
	}
}

// arrivalTimestamp hands out strictly increasing millisecond stamps. The
// inbox since cursor compares against these, so ordering must not depend on
// sender clocks: a sender whose clock lags would otherwise queue messages
// behind a cursor that has already passed them.
func (s *Server) arrivalTimestamp() int64 {
	now := time.Now().UnixMilli()
	for {
		last := s.lastArrival.Load()
		ts := now
		if ts <= last {
			ts = last + 1
		}
		if s.lastArrival.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

func (s *Server) purgeLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.limiter.sweep()
			purged, err := s.queue.PurgeExpired(context.Background())
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"package": "relay",
					"error":   err,
				}).Error("purge pass failed")
				continue
			}
			if purged > 0 {
				logrus.WithFields(logrus.Fields{
					"package": "relay",
					"purged":  purged,
				}).Info("purged expired messages")
			}
		}
	}
}
