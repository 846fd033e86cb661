package client

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/group"
	"github.com/veilchat/veil/limits"
	"github.com/veilchat/veil/store"
	"github.com/veilchat/veil/vault"
	"github.com/veilchat/veil/wire"
)

// Peer identifies a pairwise correspondent: its relay identity (hex signing
// key) and its hex encryption public key.
type Peer struct {
	UserID string
	EncPub string
}

// Handler receives verified, decrypted messages. It is never invoked while
// pipeline locks are held.
type Handler func(conversationID string, msg store.Message)

// Config carries the pipeline's tunables. Zero values select defaults.
type Config struct {
	PollInterval   time.Duration
	OutboxInterval time.Duration
	DecryptWorkers int
}

const (
	defaultPollInterval   = 2 * time.Second
	defaultOutboxInterval = 5 * time.Second
	defaultDecryptWorkers = 4
)

// Pipeline orchestrates sending and receiving for one identity.
type Pipeline struct {
	api      *API
	identity *vault.Identity
	store    *store.Store
	groups   *group.Manager
	cfg      Config
	handler  Handler

	contactsMu sync.RWMutex
	contacts   map[string]Peer

	incoming chan wire.InboxMessage
	seen     *recentIDs
	lastTS   atomic.Int64

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPipeline wires a pipeline. The group manager may be nil when the
// identity uses no groups.
func NewPipeline(api *API, id *vault.Identity, st *store.Store, groups *group.Manager,
	cfg Config, handler Handler) *Pipeline {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.OutboxInterval <= 0 {
		cfg.OutboxInterval = defaultOutboxInterval
	}
	if cfg.DecryptWorkers <= 0 {
		cfg.DecryptWorkers = defaultDecryptWorkers
	}
	if handler == nil {
		handler = func(string, store.Message) {}
	}

	return &Pipeline{
		api:      api,
		identity: id,
		store:    st,
		groups:   groups,
		cfg:      cfg,
		handler:  handler,
		contacts: make(map[string]Peer),
		incoming: make(chan wire.InboxMessage, 256),
		seen:     newRecentIDs(1024),
	}
}

// AddContact registers a peer's encryption key for sends and outbox flushes.
func (p *Pipeline) AddContact(peer Peer) {
	p.contactsMu.Lock()
	defer p.contactsMu.Unlock()
	p.contacts[peer.UserID] = peer
}

func (p *Pipeline) contact(userID string) (Peer, bool) {
	p.contactsMu.RLock()
	defer p.contactsMu.RUnlock()
	peer, ok := p.contacts[userID]
	return peer, ok
}

// Start launches the poll loop, the outbox flusher, the push listener and the
// decrypt workers. Idempotent.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})

	for i := 0; i < p.cfg.DecryptWorkers; i++ {
		p.wg.Add(1)
		go p.decryptWorker(p.stopChan)
	}
	p.wg.Add(3)
	go p.pollLoop(p.stopChan)
	go p.outboxLoop(p.stopChan)
	go p.pushLoop(p.stopChan)

	logrus.WithFields(logrus.Fields{
		"package": "client",
		"workers": p.cfg.DecryptWorkers,
	}).Info("pipeline started")
}

// Stop halts all loops cooperatively and waits for them.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
}

// Send delivers a pairwise message: optimistic local write first, then the
// relay; if the relay is unreachable the message is queued to the durable
// outbox and retried by the flush loop.
func (p *Pipeline) Send(ctx context.Context, peer Peer, body wire.MessageBody) (store.Message, error) {
	p.AddContact(peer)

	msg := store.Message{
		ID:        uuid.New().String(),
		Sender:    p.identity.UserID(),
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := p.store.Append(peer.UserID, msg); err != nil {
		return store.Message{}, err
	}

	err := p.sendEnvelope(ctx, peer, body, msg.ID, msg.Timestamp)
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, wire.ErrNetworkUnavailable) || errors.Is(err, wire.ErrRateLimited) {
		qErr := p.store.EnqueueOutbox(store.OutboxEntry{
			ID:        msg.ID,
			Recipient: peer.UserID,
			Body:      body,
			Timestamp: msg.Timestamp,
		})
		if qErr != nil {
			return msg, qErr
		}
		logrus.WithFields(logrus.Fields{
			"package":    "client",
			"message_id": msg.ID,
		}).Info("send failed, message queued to outbox")
		return msg, nil
	}
	return msg, err
}

// sendEnvelope seals, signs and submits one pairwise message. The locally
// generated id rides along as the idempotency key: an outbox retry after a
// lost response reuses it, so the recipient de-duplicates both copies.
func (p *Pipeline) sendEnvelope(ctx context.Context, peer Peer, body wire.MessageBody, id string, ts int64) error {
	plaintext, err := wire.EncodeBody(body)
	if err != nil {
		return err
	}
	if err := limits.ValidatePlaintextMessage(plaintext); err != nil {
		return err
	}

	rawPK, err := hex.DecodeString(peer.EncPub)
	if err != nil || len(rawPK) != 32 {
		return fmt.Errorf("invalid encryption key for peer %s", peer.UserID)
	}
	var peerPK [32]byte
	copy(peerPK[:], rawPK)

	ciphertext, err := crypto.Seal(plaintext, peerPK)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(ciphertext, p.identity.Signing)
	if err != nil {
		return err
	}

	_, err = p.api.Send(ctx, wire.Envelope{
		ID:             id,
		To:             peer.UserID,
		FromSigningKey: p.identity.UserID(),
		EncPub:         hex.EncodeToString(p.identity.Encryption.Public[:]),
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		Signature:      base64.StdEncoding.EncodeToString(sig[:]),
		Timestamp:      ts,
	})
	return err
}

// SendGroup encrypts under the group's current key and submits. On a key
// version mismatch the pipeline reconciles and retries exactly once.
func (p *Pipeline) SendGroup(ctx context.Context, groupID, channelID string, body wire.MessageBody) (store.Message, error) {
	if p.groups == nil {
		return store.Message{}, store.ErrNoGroupKey
	}

	msg := store.Message{
		ID:        uuid.New().String(),
		Sender:    p.identity.UserID(),
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := p.store.Append(groupConversation(groupID), msg); err != nil {
		return store.Message{}, err
	}

	err := p.submitGroup(ctx, groupID, channelID, body, msg.Timestamp)
	if errors.Is(err, wire.ErrKeyVersionMismatch) {
		if rerr := p.groups.Reconcile(ctx, groupID); rerr != nil {
			return msg, rerr
		}
		err = p.submitGroup(ctx, groupID, channelID, body, msg.Timestamp)
	}
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, wire.ErrNetworkUnavailable) || errors.Is(err, wire.ErrRateLimited) {
		qErr := p.store.EnqueueOutbox(store.OutboxEntry{
			ID:        msg.ID,
			GroupID:   groupID,
			ChannelID: channelID,
			Body:      body,
			Timestamp: msg.Timestamp,
		})
		if qErr != nil {
			return msg, qErr
		}
		return msg, nil
	}
	return msg, err
}

func (p *Pipeline) submitGroup(ctx context.Context, groupID, channelID string, body wire.MessageBody, ts int64) error {
	plaintext, err := wire.EncodeBody(body)
	if err != nil {
		return err
	}
	ciphertext, nonce, version, err := p.groups.EncryptMessage(groupID, plaintext)
	if err != nil {
		return err
	}
	_, err = p.api.GroupSend(ctx, groupID, wire.GroupMessage{
		ChannelID:  channelID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyVersion: version,
		Timestamp:  ts,
	})
	return err
}

// FetchGroup pulls group history newer than since, decrypts it, persists new
// messages and returns them oldest first. A key version mismatch triggers one
// reconciliation pass.
func (p *Pipeline) FetchGroup(ctx context.Context, groupID, channelID string, since int64) ([]store.Message, error) {
	if p.groups == nil {
		return nil, store.ErrNoGroupKey
	}

	resp, err := p.api.GroupMessages(ctx, groupID, channelID, since)
	if err != nil {
		return nil, err
	}

	reconciled := false
	var out []store.Message
	for _, gm := range resp.Messages {
		if gm.SenderID == p.identity.UserID() {
			continue
		}
		if !p.seen.add("group:" + gm.ID) {
			continue
		}

		plaintext, err := p.groups.DecryptMessage(gm)
		if errors.Is(err, wire.ErrKeyVersionMismatch) && !reconciled {
			reconciled = true
			if rerr := p.groups.Reconcile(ctx, groupID); rerr != nil {
				return out, rerr
			}
			plaintext, err = p.groups.DecryptMessage(gm)
		}
		if err != nil {
			// Undecodable under any key we hold; drop rather than stall the
			// feed.
			logrus.WithFields(logrus.Fields{
				"package":     "client",
				"group_id":    groupID,
				"message_id":  gm.ID,
				"key_version": gm.KeyVersion,
			}).Warn("dropping undecodable group message")
			continue
		}

		body, err := wire.DecodeBody(plaintext)
		if err != nil {
			continue
		}
		msg := store.Message{
			ID:        gm.ID,
			Sender:    gm.SenderID,
			Body:      body,
			Timestamp: gm.Timestamp,
		}
		if err := p.store.Append(groupConversation(groupID), msg); err != nil {
			return out, err
		}
		out = append(out, msg)
		p.handler(groupConversation(groupID), msg)
	}

	return out, nil
}

func groupConversation(groupID string) string {
	return "group:" + groupID
}

// pollLoop periodically drains the inbox into the decrypt workers.
func (p *Pipeline) pollLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			msgs, err := p.api.Fetch(context.Background(), p.lastTS.Load())
			if err != nil {
				continue
			}
			for _, msg := range msgs {
				select {
				case p.incoming <- msg:
				case <-stop:
					return
				}
			}
		}
	}
}

// outboxLoop retries queued sends. The batch stops at the first failure and
// resumes on the next tick; entries leave the outbox only after a confirmed
// send.
func (p *Pipeline) outboxLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.OutboxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.FlushOutbox(context.Background())
		}
	}
}

// FlushOutbox attempts every queued entry in order, stopping at the first
// failure. Exposed so callers can force a flush after connectivity returns.
func (p *Pipeline) FlushOutbox(ctx context.Context) {
	entries, err := p.store.LoadOutbox()
	if err != nil {
		return
	}

	for _, entry := range entries {
		var sendErr error
		if entry.GroupID != "" {
			sendErr = p.submitGroup(ctx, entry.GroupID, entry.ChannelID, entry.Body, entry.Timestamp)
		} else {
			peer, ok := p.contact(entry.Recipient)
			if !ok {
				// No key material for this recipient yet; keep the entry.
				p.store.BumpOutboxAttempt(entry.ID)
				continue
			}
			sendErr = p.sendEnvelope(ctx, peer, entry.Body, entry.ID, entry.Timestamp)
		}

		if sendErr != nil {
			p.store.BumpOutboxAttempt(entry.ID)
			logrus.WithFields(logrus.Fields{
				"package":    "client",
				"message_id": entry.ID,
				"attempts":   entry.Attempts + 1,
			}).Debug("outbox flush stopped at failed entry")
			return
		}
		if err := p.store.RemoveOutbox(entry.ID); err != nil {
			return
		}
	}
}

// decryptWorker unseals, verifies and persists incoming messages.
func (p *Pipeline) decryptWorker(stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case msg := <-p.incoming:
			p.handleIncoming(stop, msg)
		}
	}
}

func (p *Pipeline) handleIncoming(stop <-chan struct{}, msg wire.InboxMessage) {
	// Scoped by sender so one peer's ids cannot shadow another's.
	if !p.seen.add(msg.From + ":" + msg.ID) {
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(msg.Message)
	if err != nil {
		return
	}

	senderPK, err := decodeKey32(msg.From)
	if err != nil {
		return
	}
	sig, err := decodeSignature(msg.Signature)
	if err != nil {
		return
	}
	if !crypto.Verify(ciphertext, sig, senderPK) {
		logrus.WithFields(logrus.Fields{
			"package":    "client",
			"message_id": msg.ID,
		}).Warn("dropping message with invalid signature")
		return
	}

	plaintext, err := crypto.Unseal(ciphertext, p.identity.Encryption)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"package":    "client",
			"message_id": msg.ID,
		}).Warn("dropping undecryptable message")
		return
	}

	body, err := wire.DecodeBody(plaintext)
	if err != nil {
		return
	}

	// Results for a stopped pipeline are discarded before commit.
	select {
	case <-stop:
		return
	default:
	}

	stored := store.Message{
		ID:        msg.ID,
		Sender:    msg.From,
		Body:      body,
		Timestamp: msg.Timestamp,
	}
	if err := p.store.Append(msg.From, stored); err != nil {
		return
	}

	// Advance the poll cursor monotonically.
	for {
		cur := p.lastTS.Load()
		if msg.Timestamp <= cur || p.lastTS.CompareAndSwap(cur, msg.Timestamp) {
			break
		}
	}

	p.handler(msg.From, stored)
}

func decodeKey32(s string) ([32]byte, error) {
	var pk [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return pk, fmt.Errorf("invalid key encoding")
	}
	copy(pk[:], raw)
	return pk, nil
}

func decodeSignature(s string) (crypto.Signature, error) {
	var sig crypto.Signature
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 64 {
		return sig, fmt.Errorf("invalid signature encoding")
	}
	copy(sig[:], raw)
	return sig, nil
}
