package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/crypto"
	"github.com/veilchat/veil/wire"
)

const pushReconnectDelay = 3 * time.Second

// pushLoop keeps a websocket open to the relay's push endpoint, feeding
// events into the same channel the poll loop uses. Reconnects with a fixed
// delay; the poll loop covers any gap, and de-duplication absorbs the
// overlap.
func (p *Pipeline) pushLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := p.runPushConnection(stop); err != nil {
			logrus.WithFields(logrus.Fields{
				"package": "client",
				"error":   err,
			}).Debug("push connection ended")
		}

		select {
		case <-stop:
			return
		case <-time.After(pushReconnectDelay):
		}
	}
}

func (p *Pipeline) runPushConnection(stop <-chan struct{}) error {
	path := "/push/" + p.identity.UserID()
	url := toWebsocketURL(p.api.baseURL) + path

	sig, err := crypto.Sign([]byte(path), p.identity.Signing)
	if err != nil {
		return err
	}
	hdr := http.Header{}
	hdr.Set(headerSigningKey, p.identity.UserID())
	hdr.Set(headerSignature, base64.StdEncoding.EncodeToString(sig[:]))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return err
	}
	defer ws.CloseNow()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		var msg wire.InboxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		select {
		case p.incoming <- msg:
		case <-stop:
			return nil
		}
	}
}

func toWebsocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
