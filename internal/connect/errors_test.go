package connect

import (
	"errors"
	"fmt"
	"testing"

	"Shardveil/internal/attest"
)

func TestClassifier(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		retry    bool
		reattest bool
	}{
		{
			name:     "transport failed",
			err:      &TransportError{Code: TransportFailed, Err: errors.New("connection refused")},
			retry:    true,
			reattest: true,
		},
		{
			name:     "transport deadline",
			err:      &TransportError{Code: TransportDeadline, Err: errors.New("deadline exceeded")},
			retry:    true,
			reattest: true,
		},
		{
			name:     "transport resource exhausted",
			err:      &TransportError{Code: TransportResourceExhausted, Err: errors.New("response too large")},
			retry:    false,
			reattest: true,
		},
		{
			name:     "session establishment",
			err:      &SessionError{Err: errors.New("handshake rejected")},
			retry:    true,
			reattest: true,
		},
		{
			name:     "session establishment evidence rejected",
			err:      &SessionError{EvidenceRejected: true, Err: &attest.EvidenceError{Reason: "measurement not in allowlist"}},
			retry:    false,
			reattest: true,
		},
		{
			name:     "session cipher",
			err:      &attest.CipherError{Err: errors.New("message authentication failed")},
			retry:    true,
			reattest: true,
		},
		{
			name:     "decode",
			err:      &DecodeError{Err: errors.New("truncated payload")},
			retry:    true,
			reattest: false,
		},
		{
			name:     "invalid endpoint",
			err:      &EndpointError{Addr: "nope", Err: errors.New("missing port")},
			retry:    false,
			reattest: false,
		},
		{
			name:     "identity mismatch",
			err:      &IdentityMismatchError{Message: "chain id mismatch, expected 'main'"},
			retry:    false,
			reattest: false,
		},
		{
			name:     "unclassified",
			err:      errors.New("something else"),
			retry:    false,
			reattest: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.err); got != tt.retry {
				t.Errorf("ShouldRetry = %v, want %v", got, tt.retry)
			}
			if got := ShouldReattest(tt.err); got != tt.reattest {
				t.Errorf("ShouldReattest = %v, want %v", got, tt.reattest)
			}
		})
	}
}

func TestClassifierSeesWrappedErrors(t *testing.T) {
	err := fmt.Errorf("call shard 3: %w",
		&TransportError{Code: TransportFailed, Err: errors.New("reset")})

	if !ShouldRetry(err) {
		t.Error("wrapped transport error should retry")
	}
	if !ShouldReattest(err) {
		t.Error("wrapped transport error should reattest")
	}
}
