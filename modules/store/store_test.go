package store

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := setupTestDB(t)
	return New(NewRepository(db), nil, Config{CallTimeout: time.Second, RetryBackoff: time.Millisecond})
}

func TestStore_Call(t *testing.T) {
	transient := &domain.StoreError{Op: "test", Err: errors.New("database is locked")}

	tests := []struct {
		name         string
		failures     []error
		wantAttempts int
		wantErr      error
	}{
		{
			name:         "success first try",
			failures:     nil,
			wantAttempts: 1,
		},
		{
			name:         "transient failure then success",
			failures:     []error{transient},
			wantAttempts: 2,
		},
		{
			name:         "transient failure twice",
			failures:     []error{transient, transient},
			wantAttempts: 2,
			wantErr:      domain.ErrOperationFailed,
		},
		{
			name:         "domain error is not retried",
			failures:     []error{domain.ErrRoomNotFound},
			wantAttempts: 1,
			wantErr:      domain.ErrRoomNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			attempts := 0
			err := s.call(context.Background(), "test", func(ctx context.Context) error {
				attempts++
				if attempts <= len(tt.failures) {
					return tt.failures[attempts-1]
				}
				return nil
			})

			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if domain.IsStoreError(err) && errors.Is(err, domain.ErrOperationFailed) {
				t.Errorf("final error must not expose the StoreError type: %v", err)
			}
		})
	}
}

func TestStore_Call_ContextCancelledDuringBackoff(t *testing.T) {
	db := setupTestDB(t)
	s := New(NewRepository(db), nil, Config{CallTimeout: time.Second, RetryBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- s.call(ctx, "test", func(ctx context.Context) error {
			attempts++
			return &domain.StoreError{Op: "test", Err: errors.New("boom")}
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrOperationFailed) {
			t.Errorf("expected ErrOperationFailed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("call did not return after cancellation")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestStore_ClosedDatabaseFailsAfterRetry(t *testing.T) {
	db := setupTestDB(t)
	s := New(NewRepository(db), nil, Config{CallTimeout: time.Second, RetryBackoff: time.Millisecond})
	_ = Close(db)

	_, err := s.GetRoomMembers(context.Background(), "room")
	if !errors.Is(err, domain.ErrOperationFailed) {
		t.Errorf("expected ErrOperationFailed, got %v", err)
	}
}

func TestStore_GetUser_WithoutCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetUser(ctx, "alice"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if err := s.UpsertUser(ctx, &domain.User{ID: "alice", Username: "alice"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	user, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("expected username alice, got %q", user.Username)
	}
}
