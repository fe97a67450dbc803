package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel hosts one side of the bridge over a WebSocket connection. It
// owns the connection's BufferStore, reassembles inbound chunked
// transfers, and serializes outbound writes. Dropping the Channel drops
// any partially received transfers with it.
type Channel struct {
	conn      *websocket.Conn
	chunkSize int

	writeMu sync.Mutex

	store BufferStore
}

func NewChannel(conn *websocket.Conn, chunkSize int) *Channel {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Channel{
		conn:      conn,
		chunkSize: chunkSize,
		store:     NewBufferStore(),
	}
}

// Send writes one envelope to the peer.
func (c *Channel) Send(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("write bridge message: %w", err)
	}
	return nil
}

// SendText transports text under msgType, chunking when it exceeds the
// channel's chunk size.
func (c *Channel) SendText(msgType, text string) error {
	return SendChunkedText(c.Send, msgType, text, c.chunkSize)
}

// SendJSON marshals v and sends it as a plain (unchunked) message.
func (c *Channel) SendJSON(msgType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal bridge payload: %w", err)
	}
	return c.Send(Message{Type: msgType, Payload: payload})
}

// Serve reads envelopes until the connection closes. Complete texts,
// whether from the single-message fast path or a finished chunked
// transfer, are handed to onText with their base type. Other messages
// go to onMessage. Both callbacks run on the read loop, one at a time.
func (c *Channel) Serve(onText func(baseType, text string) error, onMessage func(Message) error) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read bridge message: %w", err)
		}

		var m Message
		if err := json.Unmarshal(raw, &m); err != nil || m.Type == "" {
			// Not an envelope; drop rather than kill the channel.
			continue
		}

		if isChunkFrame(m.Type) {
			if completed := Consume(m.Type, m.Payload, c.store); completed != nil {
				if err := onText(completed.BaseType, completed.Text); err != nil {
					return err
				}
			}
			continue
		}

		if text, ok := PlainText(m.Payload); ok {
			if err := onText(m.Type, text); err != nil {
				return err
			}
			continue
		}

		if onMessage != nil {
			if err := onMessage(m); err != nil {
				return err
			}
		}
	}
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func isChunkFrame(msgType string) bool {
	return strings.HasSuffix(msgType, chunkStartSuffix) ||
		strings.HasSuffix(msgType, chunkSuffix) ||
		strings.HasSuffix(msgType, chunkEndSuffix)
}
