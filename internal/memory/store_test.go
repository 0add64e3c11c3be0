package memory

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nugget/bbchat/internal/llm"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func storeImpls(t *testing.T) map[string]func(t *testing.T) Store {
	impls := map[string]func(t *testing.T) Store{
		"mem":    func(*testing.T) Store { return NewMemStore() },
		"sqlite": newSQLiteTestStore,
	}
	if dsn := os.Getenv("BBCHAT_TEST_POSTGRES_DSN"); dsn != "" {
		impls["postgres"] = func(t *testing.T) Store {
			s, err := OpenPostgres(t.Context(), dsn)
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return impls
}

func sampleTurn() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleUser, Content: "compute 2+2"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: llm.FunctionCall{Name: "eval_clojure", Arguments: `{"code_string":"(+ 2 2)"}`},
		}}},
		{Role: llm.RoleTool, ToolCallID: "call_1", Name: "eval_clojure", Content: `{"status":"success","result":"4"}`},
		{Role: llm.RoleAssistant, Content: "4"},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := t.Context()

			id, err := s.CreateSession(ctx)
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			if id == "" {
				t.Fatal("empty session id")
			}

			empty, err := s.GetSessionHistory(ctx, id)
			if err != nil {
				t.Fatalf("GetSessionHistory: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("new session has %d messages", len(empty))
			}

			want := sampleTurn()
			for _, m := range want {
				if err := s.AddMessage(ctx, id, m); err != nil {
					t.Fatalf("AddMessage: %v", err)
				}
			}

			got, err := s.GetSessionHistory(ctx, id)
			if err != nil {
				t.Fatalf("GetSessionHistory: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("history mismatch\n got: %+v\nwant: %+v", got, want)
			}
		})
	}
}

func TestStore_RemoveLast(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := t.Context()
			id, _ := s.CreateSession(ctx)
			for _, m := range sampleTurn() {
				if err := s.AddMessage(ctx, id, m); err != nil {
					t.Fatal(err)
				}
			}

			if err := s.RemoveLast(ctx, id, 3); err != nil {
				t.Fatalf("RemoveLast: %v", err)
			}
			got, _ := s.GetSessionHistory(ctx, id)
			if len(got) != 1 || got[0].Role != llm.RoleUser {
				t.Errorf("after RemoveLast(3) = %+v, want only the user message", got)
			}

			if err := s.RemoveLast(ctx, id, 10); err != nil {
				t.Fatalf("RemoveLast beyond length: %v", err)
			}
			got, _ = s.GetSessionHistory(ctx, id)
			if len(got) != 0 {
				t.Errorf("expected empty history, got %d", len(got))
			}

			if err := s.RemoveLast(ctx, id, 0); err != nil {
				t.Errorf("RemoveLast(0): %v", err)
			}
		})
	}
}

func TestStore_UnknownSession(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := t.Context()

			if _, err := s.GetSessionHistory(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("GetSessionHistory err = %v, want ErrSessionNotFound", err)
			}
			if err := s.Touch(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("Touch err = %v, want ErrSessionNotFound", err)
			}
			if err := s.RemoveLast(ctx, "nope", 1); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("RemoveLast err = %v, want ErrSessionNotFound", err)
			}

			// AddMessage creates the session on demand.
			if err := s.AddMessage(ctx, "fresh", llm.Message{Role: llm.RoleUser, Content: "hi"}); err != nil {
				t.Fatalf("AddMessage: %v", err)
			}
			if h, err := s.GetSessionHistory(ctx, "fresh"); err != nil || len(h) != 1 {
				t.Errorf("history = %v, %v", h, err)
			}
		})
	}
}

func TestStore_EnsureSessionIdempotent(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := t.Context()
			if err := s.EnsureSession(ctx, "abc"); err != nil {
				t.Fatal(err)
			}
			if err := s.AddMessage(ctx, "abc", llm.Message{Role: llm.RoleUser, Content: "keep me"}); err != nil {
				t.Fatal(err)
			}
			if err := s.EnsureSession(ctx, "abc"); err != nil {
				t.Fatal(err)
			}
			h, _ := s.GetSessionHistory(ctx, "abc")
			if len(h) != 1 {
				t.Errorf("EnsureSession on existing session changed history: %v", h)
			}
		})
	}
}

func TestStore_ListSessions(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			older, _ := s.CreateSession(ctx)
			time.Sleep(5 * time.Millisecond)
			newer, _ := s.CreateSession(ctx)
			time.Sleep(5 * time.Millisecond)
			if err := s.AddMessage(ctx, older, llm.Message{Role: llm.RoleUser, Content: "bump"}); err != nil {
				t.Fatal(err)
			}

			list, err := s.ListSessions(ctx, 10)
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("got %d sessions, want 2", len(list))
			}
			if list[0].ID != older || list[0].MessageCount != 1 {
				t.Errorf("most recent = %+v, want %s with 1 message", list[0], older)
			}
			if list[1].ID != newer || list[1].MessageCount != 0 {
				t.Errorf("second = %+v, want %s with 0 messages", list[1], newer)
			}

			limited, _ := s.ListSessions(ctx, 1)
			if len(limited) != 1 {
				t.Errorf("limit 1 returned %d", len(limited))
			}
		})
	}
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()
	id, _ := s.CreateSession(ctx)
	for _, m := range sampleTurn() {
		_ = s.AddMessage(ctx, id, m)
	}

	h, _ := s.GetSessionHistory(ctx, id)
	h[1].ToolCalls[0].ID = "mutated"
	h[0].Content = "mutated"

	again, _ := s.GetSessionHistory(ctx, id)
	if again[1].ToolCalls[0].ID != "call_1" || again[0].Content != "compute 2+2" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestOpenSQLitePure_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := t.Context()

	s, err := OpenSQLitePure(path)
	if err != nil {
		t.Fatalf("OpenSQLitePure: %v", err)
	}
	id, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(ctx, id, llm.Message{Role: llm.RoleUser, Content: "persisted"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLitePure(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	history, err := s.GetSessionHistory(ctx, id)
	if err != nil || len(history) != 1 || history[0].Content != "persisted" {
		t.Errorf("history after reopen = %+v, %v", history, err)
	}
}
