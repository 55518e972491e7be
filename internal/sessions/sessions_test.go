package sessions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

func call(id string) models.ToolCall {
	return models.ToolCall{ID: id, Name: "read_file", Input: json.RawMessage(`{}`)}
}

func TestRepairToolPairing(t *testing.T) {
	tests := []struct {
		name  string
		in    []models.ConversationMessage
		roles []models.Role
		ids   []string
	}{
		{
			name: "orphan leading result dropped",
			in: []models.ConversationMessage{
				{Role: models.RoleTool, ToolCallID: "gone", Content: "x"},
				{Role: models.RoleUser, Content: "hi"},
			},
			roles: []models.Role{models.RoleUser},
			ids:   []string{""},
		},
		{
			name: "results reordered to call order",
			in: []models.ConversationMessage{
				{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("a"), call("b")}},
				{Role: models.RoleTool, ToolCallID: "b", Content: "B"},
				{Role: models.RoleTool, ToolCallID: "a", Content: "A"},
			},
			roles: []models.Role{models.RoleAssistant, models.RoleTool, models.RoleTool},
			ids:   []string{"", "a", "b"},
		},
		{
			name: "missing result synthesized",
			in: []models.ConversationMessage{
				{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("a")}},
				{Role: models.RoleUser, Content: "next"},
			},
			roles: []models.Role{models.RoleAssistant, models.RoleTool, models.RoleUser},
			ids:   []string{"", "a", ""},
		},
		{
			name: "duplicate result dropped",
			in: []models.ConversationMessage{
				{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("a")}},
				{Role: models.RoleTool, ToolCallID: "a", Content: "1"},
				{Role: models.RoleTool, ToolCallID: "a", Content: "2"},
				{Role: models.RoleAssistant, Content: "done"},
			},
			roles: []models.Role{models.RoleAssistant, models.RoleTool, models.RoleAssistant},
			ids:   []string{"", "a", ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RepairToolPairing(tt.in)
			if len(got) != len(tt.roles) {
				t.Fatalf("got %d messages, want %d: %+v", len(got), len(tt.roles), got)
			}
			for i := range got {
				if got[i].Role != tt.roles[i] || got[i].ToolCallID != tt.ids[i] {
					t.Errorf("msg[%d] = %s/%s, want %s/%s", i, got[i].Role, got[i].ToolCallID, tt.roles[i], tt.ids[i])
				}
			}
		})
	}
}

func TestRepairKeepsFirstResultContent(t *testing.T) {
	got := RepairToolPairing([]models.ConversationMessage{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("a"), call("b")}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "first"},
		{Role: models.RoleTool, ToolCallID: "a", Content: "second"},
	})
	if got[1].Content != "first" {
		t.Errorf("result content = %q", got[1].Content)
	}
	if got[2].ToolCallID != "b" || got[2].Content != MissingResultContent {
		t.Errorf("synthetic result = %+v", got[2])
	}
}

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	msgs := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{call("c1")}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: `{"ok":true}`},
		{Role: models.RoleAssistant, Content: "two"},
	}
	if err := store.AppendMessages(ctx, "chan", msgs); err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	if err := store.AppendMessages(ctx, "other", msgs[:1]); err != nil {
		t.Fatal(err)
	}

	all, err := store.GetHistory(ctx, "chan", 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(all) != 4 || all[0].Content != "one" || all[3].Content != "two" {
		t.Fatalf("GetHistory() = %+v", all)
	}
	if len(all[1].ToolCalls) != 1 || string(all[1].ToolCalls[0].Input) != "{}" {
		t.Errorf("tool calls not round-tripped: %+v", all[1].ToolCalls)
	}

	last, _ := store.GetHistory(ctx, "chan", 2)
	// The window starts on an orphan result, which repair drops.
	if len(last) != 1 || last[0].Content != "two" {
		t.Errorf("GetHistory(limit 2) = %+v", last)
	}

	if err := store.Clear(ctx, "chan"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GetHistory(ctx, "chan", 10); len(got) != 0 {
		t.Errorf("history after Clear = %+v", got)
	}
	if got, _ := store.GetHistory(ctx, "other", 10); len(got) != 1 {
		t.Errorf("other channel affected by Clear: %+v", got)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore(0))
}

func TestMemoryStoreMaxKeep(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		_ = store.AppendMessages(ctx, "c", []models.ConversationMessage{{Role: models.RoleUser, Content: text}})
	}
	got, _ := store.GetHistory(ctx, "c", 10)
	if len(got) != 2 || got[0].Content != "b" {
		t.Errorf("GetHistory() = %+v", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	defer store.Close()
	testStore(t, store)
}

func TestSQLiteStoreAppendIsTransactional(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewSQLiteStoreWithDB(db)
	store.now = func() time.Time { return time.UnixMilli(1000) }

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs("c", "user", "hi", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err = store.AppendMessages(context.Background(), "c", []models.ConversationMessage{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "yo"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
