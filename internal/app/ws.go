package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/api/internal/bridge"
	"inkwell/api/internal/debounce"
	"inkwell/api/internal/notes"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The HTTP layer already enforces the bearer token and CORS policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// noteUpdate is the editor autosave payload carried over the bridge.
type noteUpdate struct {
	NoteID      string    `json:"noteId"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// bridgeConn is one editor connection: a chunked channel plus one
// debouncer per open note, so rapid keystrokes collapse into a single
// save after the typing quiets down.
type bridgeConn struct {
	server  *HTTPServer
	session Session
	channel *bridge.Channel

	mu     sync.Mutex
	savers map[string]*debounce.Debounced[noteUpdate]
}

func (s *HTTPServer) handleBridge(w http.ResponseWriter, r *http.Request, session Session) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	bc := &bridgeConn{
		server:  s,
		session: session,
		channel: bridge.NewChannel(conn, s.bridgeChunkSize),
		savers:  make(map[string]*debounce.Debounced[noteUpdate]),
	}
	defer bc.close()

	if err := bc.channel.Serve(bc.onText, nil); err != nil {
		log.Printf("bridge: connection for user %s closed: %v", session.UserID, err)
	}
}

func (bc *bridgeConn) onText(msgType, text string) error {
	switch msgType {
	case "note_update":
		var update noteUpdate
		if err := json.Unmarshal([]byte(text), &update); err != nil || update.NoteID == "" {
			return bc.sendError("", "INVALID_PAYLOAD", "note_update payload malformed")
		}
		bc.saverFor(update.NoteID).Schedule(update)
		return nil

	case "note_flush":
		var body struct {
			NoteID string `json:"noteId"`
		}
		if err := json.Unmarshal([]byte(text), &body); err != nil || body.NoteID == "" {
			return bc.sendError("", "INVALID_PAYLOAD", "note_flush payload malformed")
		}
		if saver := bc.existingSaver(body.NoteID); saver != nil {
			if err := saver.Flush(); err != nil {
				return bc.sendError(body.NoteID, "SAVE_FAILED", err.Error())
			}
		}
		return nil

	case "note_get":
		var body struct {
			NoteID string `json:"noteId"`
		}
		if err := json.Unmarshal([]byte(text), &body); err != nil || body.NoteID == "" {
			return bc.sendError("", "INVALID_PAYLOAD", "note_get payload malformed")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		note, err := bc.server.service.GetNote(ctx, body.NoteID, bc.session.UserID)
		if err != nil {
			return bc.sendError(body.NoteID, "NOT_FOUND", "Note not found")
		}
		payload, err := json.Marshal(note)
		if err != nil {
			return err
		}
		// Full documents go through the chunked path so large notes
		// survive message size limits.
		return bc.channel.SendText("note_document", string(payload))

	default:
		// Unknown message types are ignored so older clients keep working.
		return nil
	}
}

func (bc *bridgeConn) saverFor(noteID string) *debounce.Debounced[noteUpdate] {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if saver, ok := bc.savers[noteID]; ok {
		return saver
	}
	saver := debounce.New(debounce.Options[noteUpdate]{
		Delay:   bc.server.autosaveDelay,
		OnFlush: bc.saveNote,
		OnError: func(err error) {
			log.Printf("bridge: autosave for note %s: %v", noteID, err)
			_ = bc.sendError(noteID, "SAVE_FAILED", err.Error())
		},
		Equal: func(a, b noteUpdate) bool {
			return equalPtr(a.Title, b.Title) &&
				equalPtr(a.Description, b.Description) &&
				equalTagsPtr(a.Tags, b.Tags)
		},
	})
	bc.savers[noteID] = saver
	return saver
}

func (bc *bridgeConn) existingSaver(noteID string) *debounce.Debounced[noteUpdate] {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.savers[noteID]
}

func (bc *bridgeConn) saveNote(update noteUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	note, err := bc.server.service.UpdateNote(ctx, update.NoteID, bc.session.UserID, notes.Patch{
		Title:       update.Title,
		Description: update.Description,
		Tags:        update.Tags,
	})
	if err != nil {
		return err
	}
	return bc.channel.SendJSON("note_saved", map[string]any{
		"noteId":    note.ID,
		"updatedAt": notes.UpdatedAtMs(note),
	})
}

func (bc *bridgeConn) sendError(noteID, code, message string) error {
	return bc.channel.SendJSON("note_error", map[string]any{
		"noteId": noteID,
		"code":   code,
		"error":  message,
	})
}

// close flushes pending autosaves before dropping the connection, so a
// tab closed mid-typing still persists its last edit.
func (bc *bridgeConn) close() {
	bc.mu.Lock()
	savers := make([]*debounce.Debounced[noteUpdate], 0, len(bc.savers))
	for _, saver := range bc.savers {
		savers = append(savers, saver)
	}
	bc.mu.Unlock()

	for _, saver := range savers {
		if err := saver.Flush(); err != nil {
			log.Printf("bridge: final flush: %v", err)
		}
	}
	_ = bc.channel.Close()
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTagsPtr(a, b *[]string) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(*a) != len(*b) {
		return false
	}
	for i := range *a {
		if (*a)[i] != (*b)[i] {
			return false
		}
	}
	return true
}
