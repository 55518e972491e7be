package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestWindow_Allow(t *testing.T) {
	config := Config{MaxMessages: 3, Window: time.Minute, Enabled: true}
	w := NewWindow(config)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := w.Allow(ctx, "chan")
		if !d.Allowed {
			t.Fatalf("message %d should be allowed", i)
		}
		if d.Remaining != 2-i {
			t.Errorf("message %d remaining = %d", i, d.Remaining)
		}
		now = now.Add(10 * time.Second)
	}

	d, _ := w.Allow(ctx, "chan")
	if d.Allowed {
		t.Fatal("fourth message in window should be denied")
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %s, want 30s", d.RetryAfter)
	}

	// A rejected message is not counted: once the first slides out, one slot opens.
	now = now.Add(30 * time.Second)
	if d, _ := w.Allow(ctx, "chan"); !d.Allowed {
		t.Error("message should be allowed after the oldest left the window")
	}
	if d, _ := w.Allow(ctx, "chan"); d.Allowed {
		t.Error("window should be full again")
	}

	if d, _ := w.Allow(ctx, "other"); !d.Allowed {
		t.Error("keys must be independent")
	}
}

func TestWindow_Disabled(t *testing.T) {
	w := NewWindow(Config{MaxMessages: 1, Window: time.Minute})
	for i := 0; i < 5; i++ {
		if d, _ := w.Allow(context.Background(), "k"); !d.Allowed {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestWindow_ConcurrentCheckAndIncrement(t *testing.T) {
	w := NewWindow(Config{MaxMessages: 10, Window: time.Hour, Enabled: true})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := w.Allow(context.Background(), "hot"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("allowed = %d, want exactly 10", allowed)
	}
}

func TestWindow_ResetAndPrune(t *testing.T) {
	w := NewWindow(Config{MaxMessages: 1, Window: time.Second, Enabled: true})
	w.maxKeys = 3
	now := time.Unix(0, 0)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = w.Allow(ctx, fmt.Sprintf("k%d", i))
	}
	now = now.Add(2 * time.Second)
	_, _ = w.Allow(ctx, "fresh")
	if len(w.events) != 1 {
		t.Errorf("idle keys not pruned: %d remain", len(w.events))
	}

	_ = w.Reset(ctx, "fresh")
	if d, _ := w.Allow(ctx, "fresh"); !d.Allowed {
		t.Error("Reset should clear the window")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MaxMessages != 20 || config.Window != time.Minute || !config.Enabled {
		t.Errorf("DefaultConfig() = %+v", config)
	}
	if got := NewWindow(Config{Enabled: true}).config; got.MaxMessages != 20 || got.Window != time.Minute {
		t.Errorf("zero config not normalized: %+v", got)
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("telegram", "123"); got != "telegram:123" {
		t.Errorf("CompositeKey() = %q", got)
	}
}

func TestPostgresWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPostgresWindow(db, Config{MaxMessages: 2, Window: time.Minute, Enabled: true})
	p.now = func() time.Time { return now }
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("chan").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM scaly_rate_events").WithArgs("chan", now.Add(-time.Minute)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count").WithArgs("chan").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).AddRow(1, now.Add(-20*time.Second)))
	mock.ExpectExec("INSERT INTO scaly_rate_events").WithArgs("chan", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d, err := p.Allow(ctx, "chan")
	if err != nil || !d.Allowed || d.Remaining != 0 {
		t.Fatalf("Allow() = %+v, %v", d, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("chan").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM scaly_rate_events").WithArgs("chan", now.Add(-time.Minute)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count").WithArgs("chan").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).AddRow(2, now.Add(-20*time.Second)))
	mock.ExpectCommit()

	d, err = p.Allow(ctx, "chan")
	if err != nil || d.Allowed {
		t.Fatalf("Allow() over limit = %+v, %v", d, err)
	}
	if d.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %s, want 40s", d.RetryAfter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
