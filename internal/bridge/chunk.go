// Package bridge implements the chunked message protocol used to move
// large editor payloads across a size-constrained message channel. A text
// that fits in one chunk is sent as a single plain message; anything
// larger is framed as _CHUNK_START / _CHUNK* / _CHUNK_END messages and
// reassembled on the far side.
package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultChunkSize matches the practical postMessage payload ceiling of
// embedded WebViews.
const DefaultChunkSize = 30000

// Reserved type suffixes. Application message types must not end in any
// of these.
const (
	chunkStartSuffix = "_CHUNK_START"
	chunkSuffix      = "_CHUNK"
	chunkEndSuffix   = "_CHUNK_END"
)

// Message is the wire envelope: a type tag plus an opaque payload.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	TransferID string `json:"transferId"`
	Total      *int   `json:"total"`
}

type chunkPayload struct {
	TransferID string  `json:"transferId"`
	Index      *int    `json:"index"`
	Chunk      *string `json:"chunk"`
}

type endPayload struct {
	TransferID string `json:"transferId"`
}

// transfer buffers one in-flight chunked message. Chunks land by index,
// so duplicates overwrite and out-of-order delivery is fine.
type transfer struct {
	total  int
	chunks []string
}

// BufferStore holds in-flight transfers for one channel. It must be owned
// by exactly one message-handling context; entries are removed only when
// the end frame arrives, so owners should drop the whole store on
// transport teardown.
type BufferStore map[string]*transfer

// NewBufferStore returns an empty per-channel reassembly store.
func NewBufferStore() BufferStore {
	return make(BufferStore)
}

// Completed is a fully reassembled chunked message.
type Completed struct {
	BaseType string
	Text     string
}

// SendChunkedText emits text as one plain message when it fits, otherwise
// as a start frame, total chunk frames, and an end frame. Chunks are
// byte slices of the text; concatenation restores it exactly.
func SendChunkedText(send func(Message) error, msgType, text string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if len(text) <= chunkSize {
		payload, err := json.Marshal(text)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		return send(Message{Type: msgType, Payload: payload})
	}

	transferID := newTransferID(msgType)
	total := (len(text) + chunkSize - 1) / chunkSize

	start, err := json.Marshal(startPayload{TransferID: transferID, Total: &total})
	if err != nil {
		return fmt.Errorf("marshal start frame: %w", err)
	}
	if err := send(Message{Type: msgType + chunkStartSuffix, Payload: start}); err != nil {
		return err
	}

	for index := 0; index < total; index++ {
		from := index * chunkSize
		to := from + chunkSize
		if to > len(text) {
			to = len(text)
		}
		chunk := text[from:to]
		i := index
		frame, err := json.Marshal(chunkPayload{TransferID: transferID, Index: &i, Chunk: &chunk})
		if err != nil {
			return fmt.Errorf("marshal chunk frame: %w", err)
		}
		if err := send(Message{Type: msgType + chunkSuffix, Payload: frame}); err != nil {
			return err
		}
	}

	end, err := json.Marshal(endPayload{TransferID: transferID})
	if err != nil {
		return fmt.Errorf("marshal end frame: %w", err)
	}
	return send(Message{Type: msgType + chunkEndSuffix, Payload: end})
}

// Consume feeds one incoming message into the store. It returns a
// non-nil Completed only when an end frame closes a known transfer.
// Unrelated types, malformed payloads, and frames for unknown transfers
// all return nil: a dropped or duplicate message must not crash either
// side of the channel. A transfer whose end frame arrives before every
// chunk did reassembles from whatever is present, so the result can be
// shorter than what was sent.
func Consume(msgType string, payload json.RawMessage, store BufferStore) *Completed {
	switch {
	case strings.HasSuffix(msgType, chunkStartSuffix):
		var p startPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		if p.TransferID == "" || p.Total == nil || *p.Total < 0 {
			return nil
		}
		store[p.TransferID] = &transfer{total: *p.Total, chunks: make([]string, *p.Total)}
		return nil

	case strings.HasSuffix(msgType, chunkEndSuffix):
		var p endPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		if p.TransferID == "" {
			return nil
		}
		entry, ok := store[p.TransferID]
		if !ok {
			return nil
		}
		delete(store, p.TransferID)
		return &Completed{
			BaseType: strings.TrimSuffix(msgType, chunkEndSuffix),
			Text:     strings.Join(entry.chunks, ""),
		}

	case strings.HasSuffix(msgType, chunkSuffix):
		var p chunkPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		if p.TransferID == "" || p.Index == nil || p.Chunk == nil || *p.Index < 0 {
			return nil
		}
		entry, ok := store[p.TransferID]
		if !ok {
			// Chunk before start, or after the end already cleared it.
			return nil
		}
		index := *p.Index
		if index >= len(entry.chunks) {
			grown := make([]string, index+1)
			copy(grown, entry.chunks)
			entry.chunks = grown
		}
		entry.chunks[index] = *p.Chunk
		return nil

	default:
		return nil
	}
}

// PlainText decodes the single-message fast path: a string payload under
// the base type itself. Returns false for anything that is not a JSON
// string.
func PlainText(payload json.RawMessage) (string, bool) {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		return "", false
	}
	return text, true
}

func newTransferID(msgType string) string {
	suffix := make([]byte, 6)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s_%d_%s", msgType, time.Now().UnixMilli(), hex.EncodeToString(suffix))
}
