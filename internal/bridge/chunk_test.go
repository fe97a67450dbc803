package bridge

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
)

// collect gathers every message a sender emits.
func collect(t *testing.T) (func(Message) error, *[]Message) {
	t.Helper()
	var messages []Message
	send := func(m Message) error {
		messages = append(messages, m)
		return nil
	}
	return send, &messages
}

func TestSendSmallTextIsSingleMessage(t *testing.T) {
	send, messages := collect(t)

	if err := SendChunkedText(send, "EDITOR_CONTENT", "hello", 30000); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(*messages) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(*messages))
	}
	m := (*messages)[0]
	if m.Type != "EDITOR_CONTENT" {
		t.Errorf("type = %q", m.Type)
	}
	text, ok := PlainText(m.Payload)
	if !ok || text != "hello" {
		t.Errorf("payload = %q ok=%v", text, ok)
	}
}

func TestSendExactChunkSizeIsSingleMessage(t *testing.T) {
	send, messages := collect(t)

	text := strings.Repeat("a", 10)
	if err := SendChunkedText(send, "T", text, 10); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(*messages) != 1 {
		t.Fatalf("length == chunkSize must not be chunked, got %d messages", len(*messages))
	}
}

func TestRoundTrip(t *testing.T) {
	texts := []string{
		"ab",
		"hello world",
		strings.Repeat("x", 11),
		strings.Repeat("закладка", 977),
		randomText(60001),
		randomText(90000), // exact multiple of 30000
	}
	for _, chunkSize := range []int{1, 2, 30000} {
		for _, text := range texts {
			if len(text) <= chunkSize {
				continue
			}
			send, messages := collect(t)
			if err := SendChunkedText(send, "SYNC", text, chunkSize); err != nil {
				t.Fatalf("send: %v", err)
			}

			wantFrames := (len(text)+chunkSize-1)/chunkSize + 2
			if len(*messages) != wantFrames {
				t.Fatalf("chunkSize=%d len=%d: got %d frames, want %d", chunkSize, len(text), len(*messages), wantFrames)
			}

			store := NewBufferStore()
			var completed *Completed
			for _, m := range *messages {
				if result := Consume(m.Type, m.Payload, store); result != nil {
					completed = result
				}
			}
			if completed == nil {
				t.Fatalf("chunkSize=%d len=%d: transfer never completed", chunkSize, len(text))
			}
			if completed.BaseType != "SYNC" {
				t.Errorf("base type = %q", completed.BaseType)
			}
			if completed.Text != text {
				t.Errorf("chunkSize=%d len=%d: round trip mismatch (got %d bytes, want %d)", chunkSize, len(text), len(completed.Text), len(text))
			}
			if len(store) != 0 {
				t.Errorf("store must be empty after completion, has %d entries", len(store))
			}
		}
	}
}

func TestChunksOutOfOrder(t *testing.T) {
	text := randomText(101)
	send, messages := collect(t)
	if err := SendChunkedText(send, "SYNC", text, 10); err != nil {
		t.Fatalf("send: %v", err)
	}

	frames := *messages
	start, end := frames[0], frames[len(frames)-1]
	chunks := frames[1 : len(frames)-1]
	rand.New(rand.NewSource(42)).Shuffle(len(chunks), func(i, j int) {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	})

	store := NewBufferStore()
	Consume(start.Type, start.Payload, store)
	for _, m := range chunks {
		if got := Consume(m.Type, m.Payload, store); got != nil {
			t.Fatal("chunk frame must not complete a transfer")
		}
	}
	completed := Consume(end.Type, end.Payload, store)
	if completed == nil || completed.Text != text {
		t.Fatal("out-of-order chunks must still reassemble exactly")
	}
}

func TestDuplicateChunkOverwrites(t *testing.T) {
	store := NewBufferStore()

	mustConsumeNil(t, store, "T_CHUNK_START", `{"transferId":"tr1","total":2}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"tr1","index":0,"chunk":"aa"}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"tr1","index":1,"chunk":"bb"}`)
	// Duplicate of index 0 with different content wins.
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"tr1","index":0,"chunk":"AA"}`)

	completed := Consume("T_CHUNK_END", json.RawMessage(`{"transferId":"tr1"}`), store)
	if completed == nil || completed.Text != "AAbb" {
		t.Fatalf("duplicate chunk should overwrite, got %+v", completed)
	}
}

func TestMissingChunksReassembleLossily(t *testing.T) {
	store := NewBufferStore()

	mustConsumeNil(t, store, "T_CHUNK_START", `{"transferId":"tr1","total":3}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"tr1","index":0,"chunk":"aa"}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"tr1","index":2,"chunk":"cc"}`)

	// Index 1 never arrives: the hole contributes nothing, silently
	// producing corrupted text rather than an error.
	completed := Consume("T_CHUNK_END", json.RawMessage(`{"transferId":"tr1"}`), store)
	if completed == nil {
		t.Fatal("end frame should still complete the transfer")
	}
	if completed.Text != "aacc" {
		t.Fatalf("expected lossy reassembly %q, got %q", "aacc", completed.Text)
	}
}

func TestUnrelatedAndMalformedMessagesReturnNil(t *testing.T) {
	store := NewBufferStore()

	cases := []struct {
		name    string
		msgType string
		payload string
	}{
		{"unrelated type", "EDITOR_READY", `"hi"`},
		{"start without transferId", "T_CHUNK_START", `{"total":3}`},
		{"start without total", "T_CHUNK_START", `{"transferId":"tr1"}`},
		{"start with non-numeric total", "T_CHUNK_START", `{"transferId":"tr1","total":"3"}`},
		{"chunk for unknown transfer", "T_CHUNK", `{"transferId":"ghost","index":0,"chunk":"x"}`},
		{"chunk with non-numeric index", "T_CHUNK", `{"transferId":"tr1","index":"0","chunk":"x"}`},
		{"end for unknown transfer", "T_CHUNK_END", `{"transferId":"ghost"}`},
		{"end without transferId", "T_CHUNK_END", `{}`},
		{"not json at all", "T_CHUNK", `{{{`},
	}
	for _, tc := range cases {
		if got := Consume(tc.msgType, json.RawMessage(tc.payload), store); got != nil {
			t.Errorf("%s: expected nil, got %+v", tc.name, got)
		}
	}
	if len(store) != 0 {
		t.Fatalf("malformed traffic must not allocate transfers, store has %d", len(store))
	}
}

func TestChunkAfterEndIsDropped(t *testing.T) {
	store := NewBufferStore()

	mustConsumeNil(t, store, "T_CHUNK_START", `{"transferId":"tr1","total":1}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"tr1","index":0,"chunk":"aa"}`)
	if got := Consume("T_CHUNK_END", json.RawMessage(`{"transferId":"tr1"}`), store); got == nil {
		t.Fatal("end should complete")
	}

	// Late chunk for the cleared transfer: dropped, no reallocation.
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"tr1","index":0,"chunk":"zz"}`)
	if len(store) != 0 {
		t.Fatal("late chunk must not resurrect a finished transfer")
	}
}

func TestConcurrentTransfersInterleave(t *testing.T) {
	store := NewBufferStore()

	mustConsumeNil(t, store, "T_CHUNK_START", `{"transferId":"a","total":2}`)
	mustConsumeNil(t, store, "T_CHUNK_START", `{"transferId":"b","total":2}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"a","index":0,"chunk":"a0"}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"b","index":1,"chunk":"b1"}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"b","index":0,"chunk":"b0"}`)
	mustConsumeNil(t, store, "T_CHUNK", `{"transferId":"a","index":1,"chunk":"a1"}`)

	first := Consume("T_CHUNK_END", json.RawMessage(`{"transferId":"b"}`), store)
	if first == nil || first.Text != "b0b1" {
		t.Fatalf("transfer b mangled: %+v", first)
	}
	second := Consume("T_CHUNK_END", json.RawMessage(`{"transferId":"a"}`), store)
	if second == nil || second.Text != "a0a1" {
		t.Fatalf("transfer a mangled: %+v", second)
	}
}

func TestTransferIDsDisambiguateConcurrentSends(t *testing.T) {
	send, messages := collect(t)
	text := strings.Repeat("x", 25)

	if err := SendChunkedText(send, "SYNC", text, 10); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := SendChunkedText(send, "SYNC", text, 10); err != nil {
		t.Fatalf("send: %v", err)
	}

	var first, second startPayload
	if err := json.Unmarshal((*messages)[0].Payload, &first); err != nil {
		t.Fatalf("decode first start: %v", err)
	}
	if err := json.Unmarshal((*messages)[4].Payload, &second); err != nil {
		t.Fatalf("decode second start: %v", err)
	}
	if first.TransferID == second.TransferID {
		t.Fatal("two transfers of the same type must not share a transferId")
	}
	if !strings.HasPrefix(first.TransferID, "SYNC_") {
		t.Errorf("transferId should embed the base type, got %q", first.TransferID)
	}
}

func mustConsumeNil(t *testing.T, store BufferStore, msgType, payload string) {
	t.Helper()
	if got := Consume(msgType, json.RawMessage(payload), store); got != nil {
		t.Fatalf("%s should not complete a transfer, got %+v", msgType, got)
	}
}

func randomText(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789 "
	rng := rand.New(rand.NewSource(7))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[rng.Intn(len(alphabet))])
	}
	return b.String()
}
