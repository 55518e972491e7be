package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSignalBroadcastWakesWaiters(t *testing.T) {
	s := NewSignal()
	woke := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { woke <- s.Wait(context.Background(), 0) }()
	}
	// Let both goroutines capture the channel before broadcasting.
	time.Sleep(20 * time.Millisecond)
	s.Broadcast()
	for i := 0; i < 2; i++ {
		select {
		case err := <-woke:
			if err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	}
}

func TestSignalWaitPollAndCancel(t *testing.T) {
	s := NewSignal()
	start := time.Now()
	if err := s.Wait(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("poll returned early")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want canceled", err)
	}
}

func TestMigrateStopsAtFirstError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE b").WillReturnError(errors.New("boom"))

	err = Migrate(context.Background(), db, "CREATE TABLE a (id int)", "CREATE TABLE b (id int)", "CREATE TABLE c (id int)")
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestNotify(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`SELECT pg_notify\(\$1, \$2\)`).WithArgs("scaly_jobs", "tools").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := Notify(context.Background(), db, "scaly_jobs", "tools"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(" ", nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
