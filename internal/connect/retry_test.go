package connect

import (
	"context"
	"errors"
	"testing"
	"time"

	"Shardveil/internal/attest"
)

func newTestClient(t *testing.T, config RetryConfig) *RetryingClient {
	t.Helper()

	verifier := attest.NewVerifier("test", nil)

	channel, err := NewChannel("127.0.0.1:1", verifier)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	t.Cleanup(func() { channel.Close() })

	return NewRetryingClient(channel, config)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	client := newTestClient(t, RetryConfig{MaxAttempts: 3, BackoffDelay: time.Millisecond})

	calls := 0
	err := client.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
}

func TestDoRetriesTransientFailure(t *testing.T) {
	client := newTestClient(t, RetryConfig{MaxAttempts: 3, BackoffDelay: time.Millisecond})

	calls := 0
	err := client.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransportError{Code: TransportFailed, Err: errors.New("reset")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentFailure(t *testing.T) {
	client := newTestClient(t, RetryConfig{MaxAttempts: 5, BackoffDelay: time.Millisecond})

	permanent := &IdentityMismatchError{Message: "chain id mismatch, expected 'main'"}

	calls := 0
	err := client.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	client := newTestClient(t, RetryConfig{MaxAttempts: 3, BackoffDelay: time.Millisecond})

	transient := &TransportError{Code: TransportFailed, Err: errors.New("reset")}

	calls := 0
	err := client.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("Do = %v, want %v", err, transient)
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
}

func TestDoRespectsCancellation(t *testing.T) {
	client := newTestClient(t, RetryConfig{MaxAttempts: 10, BackoffDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- client.Do(ctx, func(ctx context.Context) error {
			calls++
			return &TransportError{Code: TransportFailed, Err: errors.New("reset")}
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Do returned nil after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}

	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
}

func TestDoDefaultsConfig(t *testing.T) {
	client := newTestClient(t, RetryConfig{})

	if client.config.MaxAttempts != DefaultRetryConfig.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", client.config.MaxAttempts, DefaultRetryConfig.MaxAttempts)
	}
	if client.config.BackoffDelay != DefaultRetryConfig.BackoffDelay {
		t.Errorf("BackoffDelay = %v, want %v", client.config.BackoffDelay, DefaultRetryConfig.BackoffDelay)
	}
}
