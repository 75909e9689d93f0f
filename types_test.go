package dmpsync

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestConversationJSON(t *testing.T) {
	t.Run("unset context and activity are omitted", func(t *testing.T) {
		raw, err := json.Marshal(Conversation{ID: "c-1"})
		if err != nil {
			t.Fatal(err)
		}
		if got := string(raw); got != `{"id":"c-1"}` {
			t.Fatalf("unexpected encoding %s", got)
		}
	})

	t.Run("set context is kept", func(t *testing.T) {
		conv := Conversation{
			ID:           "c-15",
			Context:      ContextRef{Type: "ordonnance", ID: "15"},
			LastActivity: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		}
		raw, err := json.Marshal(conv)
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{`"context":{"contextType":"ordonnance","contextId":"15"}`, `"lastActivity":"2026-03-01T09:00:00Z"`} {
			if !strings.Contains(string(raw), want) {
				t.Fatalf("expected %s in %s", want, raw)
			}
		}
	})
}

func TestContextRefIsZero(t *testing.T) {
	if !(ContextRef{}).IsZero() {
		t.Fatal("expected empty reference to be zero")
	}
	if (ContextRef{Type: "ordonnance"}).IsZero() {
		t.Fatal("expected partial reference to be non-zero")
	}
}
