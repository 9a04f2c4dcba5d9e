package chat

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestAggregator_SameIDOverwritesInPlace(t *testing.T) {
	agg := NewAggregator(slog.Default())

	agg.Apply(Event{ID: "seg-1", Sender: SenderAgent, Text: "Hel"})
	agg.Apply(Event{ID: "seg-1", Sender: SenderAgent, Text: "Hello there"})

	rec := agg.Snapshot()
	if rec.Len() != 1 {
		t.Fatalf("expected 1 turn, got %d", rec.Len())
	}
	text, ok := rec.Get("agent_0")
	if !ok {
		t.Fatal("expected key agent_0")
	}
	if text != "Hello there" {
		t.Errorf("text = %q, want last value", text)
	}
}

func TestAggregator_KeySetSizeMatchesDistinctIDs(t *testing.T) {
	agg := NewAggregator(slog.Default())

	events := []Event{
		{ID: "a", Sender: SenderAgent, Text: "hi"},
		{ID: "b", Sender: SenderUser, Text: "hello"},
		{ID: "a", Sender: SenderAgent, Text: "hi!"},
		{ID: "c", Sender: SenderAgent, Text: "how can I help"},
		{ID: "b", Sender: SenderUser, Text: "hello agent"},
	}
	for _, ev := range events {
		agg.Apply(ev)
	}

	if got := agg.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}

func TestAggregator_FirstSightOrder(t *testing.T) {
	agg := NewAggregator(slog.Default())

	agg.Apply(Event{ID: "A", Sender: SenderAgent, Text: "one"})
	agg.Apply(Event{ID: "B", Sender: SenderUser, Text: "two"})
	agg.Apply(Event{ID: "A", Sender: SenderAgent, Text: "one, updated"})

	keys := agg.Snapshot().Keys()
	want := []string{"agent_0", "user_1"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}

	turns := agg.Turns()
	if turns[0].Text != "one, updated" || turns[0].Sender != SenderAgent {
		t.Errorf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Text != "two" || turns[1].Sender != SenderUser {
		t.Errorf("unexpected second turn: %+v", turns[1])
	}
}

func TestAggregator_StaleRevisionIgnored(t *testing.T) {
	agg := NewAggregator(slog.Default())

	agg.Apply(Event{ID: "x", Sender: SenderAgent, Text: "final text", Revision: 3})
	if applied := agg.Apply(Event{ID: "x", Sender: SenderAgent, Text: "fin", Revision: 1}); applied {
		t.Error("stale revision should not be applied")
	}

	text, _ := agg.Snapshot().Get("agent_0")
	if text != "final text" {
		t.Errorf("text = %q, want final text", text)
	}
}

func TestAggregator_UnknownSenderDropped(t *testing.T) {
	agg := NewAggregator(slog.Default())

	if agg.Apply(Event{ID: "ghost", Sender: "", Text: "who said this"}) {
		t.Error("event with unknown sender should be dropped")
	}
	agg.Apply(Event{ID: "real", Sender: SenderUser, Text: "me"})

	if agg.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", agg.Dropped())
	}
	keys := agg.Snapshot().Keys()
	if !reflect.DeepEqual(keys, []string{"user_0"}) {
		t.Errorf("keys = %v, want [user_0]", keys)
	}
}

func TestAggregator_SnapshotIsImmutable(t *testing.T) {
	agg := NewAggregator(slog.Default())
	agg.Apply(Event{ID: "1", Sender: SenderAgent, Text: "first"})

	snap := agg.Snapshot()
	agg.Apply(Event{ID: "1", Sender: SenderAgent, Text: "changed"})
	agg.Apply(Event{ID: "2", Sender: SenderUser, Text: "more"})

	if snap.Len() != 1 {
		t.Errorf("snapshot grew to %d entries", snap.Len())
	}
	if text, _ := snap.Get("agent_0"); text != "first" {
		t.Errorf("snapshot text changed to %q", text)
	}
}

func TestAggregator_Reset(t *testing.T) {
	agg := NewAggregator(slog.Default())
	agg.Apply(Event{ID: "1", Sender: SenderAgent, Text: "first"})
	agg.Apply(Event{ID: "2", Sender: "", Text: "lost"})

	agg.Reset()

	if agg.Len() != 0 || agg.Dropped() != 0 {
		t.Fatalf("expected empty aggregator after reset, len=%d dropped=%d", agg.Len(), agg.Dropped())
	}

	agg.Apply(Event{ID: "1", Sender: SenderUser, Text: "new session"})
	if keys := agg.Snapshot().Keys(); !reflect.DeepEqual(keys, []string{"user_0"}) {
		t.Errorf("keys after reset = %v, want [user_0]", keys)
	}
}

func TestRecord_JSONKeepsOrder(t *testing.T) {
	rec := NewRecord()
	rec.Set("user_1", "b")
	rec.Set("agent_0", "a")
	rec.Set("agent_10", "c")

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"user_1":"b","agent_0":"a","agent_10":"c"}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}

	var decoded Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(decoded.Keys(), rec.Keys()) {
		t.Errorf("decoded keys = %v, want %v", decoded.Keys(), rec.Keys())
	}
}

func TestRecord_UnmarshalRejectsArray(t *testing.T) {
	var rec Record
	if err := json.Unmarshal([]byte(`["a"]`), &rec); err == nil {
		t.Error("expected error for non-object record")
	}
}

func TestNewTranscript(t *testing.T) {
	rec := NewRecord()
	rec.Set("agent_0", "hi")
	start := time.Unix(100, 0)
	end := time.Unix(160, 0)

	tr := NewTranscript("room-1", rec, start, end)
	if tr.ID == "" {
		t.Error("expected generated ID")
	}
	if tr.RoomName != "room-1" || !tr.StartTime.Equal(start) || !tr.EndTime.Equal(end) {
		t.Errorf("unexpected transcript: %+v", tr)
	}
}
