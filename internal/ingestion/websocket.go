package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB

	subscribeRequestID = 1
	pendingHashBuffer  = 1000
)

// rpcMessage is either the reply to eth_subscribe or an eth_subscription
// notification.
type rpcMessage struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PendingFeed is one websocket connection carrying a newPendingTransactions
// subscription. A feed is not reused after its connection drops; dial a new
// one instead.
type PendingFeed struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	subscription string
	hashes       chan common.Hash
}

// DialPendingFeed connects to url and subscribes to pending transaction
// hashes. It returns once the node has confirmed the subscription.
func DialPendingFeed(ctx context.Context, url string) (*PendingFeed, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	f := &PendingFeed{conn: conn, hashes: make(chan common.Hash, pendingHashBuffer)}
	if err := f.subscribe(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("url", url).Str("subscription", f.subscription).Msg("Pending transaction feed connected")
	return f, nil
}

// subscribe sends eth_subscribe and waits for the subscription id.
func (f *PendingFeed) subscribe(ctx context.Context) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      subscribeRequestID,
		"method":  "eth_subscribe",
		"params":  []string{"newPendingTransactions"},
	}
	if err := f.write(func(c *websocket.Conn) error { return c.WriteJSON(req) }); err != nil {
		return fmt.Errorf("writing subscribe request: %w", err)
	}

	f.conn.SetReadDeadline(deadline)
	for {
		var msg rpcMessage
		if err := f.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("waiting for subscription: %w", err)
		}
		if msg.ID == nil || *msg.ID != subscribeRequestID {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("eth_subscribe rejected: %s (code %d)", msg.Error.Message, msg.Error.Code)
		}
		if err := json.Unmarshal(msg.Result, &f.subscription); err != nil || f.subscription == "" {
			return fmt.Errorf("eth_subscribe: unexpected result %s", msg.Result)
		}
		return f.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// Hashes returns the channel of pending transaction hashes.
func (f *PendingFeed) Hashes() <-chan common.Hash {
	return f.hashes
}

// Run reads notifications until the connection fails or ctx is canceled.
// It never returns nil: a connection closed by the node is an error.
func (f *PendingFeed) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go f.keepAlive(ctx, stop)

	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading pending feed: %w", err)
		}
		f.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Failed to parse feed message")
			continue
		}
		if msg.Error != nil {
			log.Error().Int("code", msg.Error.Code).Str("message", msg.Error.Message).Msg("Pending feed error")
			continue
		}
		if msg.Method != "eth_subscription" {
			continue
		}

		hash, ok := parsePendingHash(msg.Params)
		if !ok {
			continue
		}
		select {
		case f.hashes <- hash:
		default:
			log.Warn().Str("tx", hash.Hex()).Msg("Pending hash buffer full, discarding")
		}
	}
}

// keepAlive pings the node and closes the connection when ctx ends, which
// unblocks the reader.
func (f *PendingFeed) keepAlive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			f.conn.Close()
			return
		case <-ticker.C:
			err := f.write(func(c *websocket.Conn) error { return c.WriteMessage(websocket.PingMessage, nil) })
			if err != nil {
				log.Warn().Err(err).Msg("Ping failed")
			}
		}
	}
}

func (f *PendingFeed) write(fn func(*websocket.Conn) error) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return fn(f.conn)
}

// Close closes the connection. Closing twice is not an error.
func (f *PendingFeed) Close() error {
	err := f.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// parsePendingHash extracts the transaction hash from notification params.
// Nodes subscribed with full bodies send the transaction object; its hash
// field is used.
func parsePendingHash(params json.RawMessage) (common.Hash, bool) {
	var notification struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(params, &notification); err != nil {
		log.Warn().Err(err).Msg("Failed to parse notification")
		return common.Hash{}, false
	}

	var hash common.Hash
	if err := json.Unmarshal(notification.Result, &hash); err == nil {
		return hash, true
	}
	var body struct {
		Hash *common.Hash `json:"hash"`
	}
	if err := json.Unmarshal(notification.Result, &body); err != nil || body.Hash == nil {
		log.Debug().Str("result", string(notification.Result)).Msg("Notification carries no transaction hash")
		return common.Hash{}, false
	}
	return *body.Hash, true
}
