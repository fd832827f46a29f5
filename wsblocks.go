package slasher

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/interstellar/starlight/net"
)

// WSListener subscribes to newHeads over a persistent WebSocket and
// turns each notification into a BlockEvent. The connection is retried
// forever with backoff; a lost subscription only delays verification,
// the backlog replay catches the daemon up after reconnecting.
type WSListener struct {
	URL    string
	Events chan<- BlockEvent
}

// Ceiling for both block sources' reconnect backoff.
const maxSourceBackoff = 2 * time.Minute

// Run maintains the subscription until ctx is canceled.
func (l *WSListener) Run(ctx context.Context) {
	defer log.Info("websocket listener exiting")

	var (
		b        net.Backoff
		failures int
	)
	b.Base = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		err := l.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		failures++
		wsReconnects.Inc()
		dur := b.Next()
		if dur > maxSourceBackoff {
			dur = maxSourceBackoff
		}
		if failures >= 5 {
			log.Warnf("websocket source down for %d attempts: %s", failures, err)
		} else {
			log.Errorf("websocket connection lost: %s, retrying in %s", err, dur)
		}
		t := time.NewTimer(dur)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (l *WSListener) subscribe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	log.Infof("subscribed to newHeads at %s", l.URL)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok := parseHeadNotification(msg)
		if !ok {
			continue
		}
		select {
		case l.Events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseHeadNotification extracts a BlockEvent from an eth_subscription
// frame. Subscription confirmations and unrelated frames report !ok.
// newHeads results carry only a header, so the payload is attached only
// when the frame includes a transactions list; otherwise the ingestor
// fetches the full block over RPC.
func parseHeadNotification(msg []byte) (BlockEvent, bool) {
	var frame struct {
		Method string `json:"method"`
		Params struct {
			Result json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.Warnf("unparseable websocket frame: %s", err)
		return BlockEvent{}, false
	}
	if frame.Method != "eth_subscription" || len(frame.Params.Result) == 0 {
		return BlockEvent{}, false
	}

	var head struct {
		Number       string          `json:"number"`
		Transactions json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(frame.Params.Result, &head); err != nil {
		log.Warnf("unparseable newHeads result: %s", err)
		return BlockEvent{}, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(head.Number, "0x"), 16, 64)
	if err != nil {
		log.Warnf("bad block number %q in newHeads result: %s", head.Number, err)
		return BlockEvent{}, false
	}

	ev := BlockEvent{Number: n}
	if len(head.Transactions) > 0 {
		ev.Payload = frame.Params.Result
	}
	return ev, true
}
