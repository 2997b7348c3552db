package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{errors.New("no such table: tasks"), false},
	}
	for _, tc := range cases {
		if got := IsSQLiteBusy(tc.err); got != tc.want {
			t.Fatalf("IsSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: tasks.status (2067)")) {
		t.Fatalf("IsUniqueViolation() = false, want true")
	}
	if IsUniqueViolation(errors.New("disk I/O error")) {
		t.Fatalf("IsUniqueViolation() = true, want false")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	busy := errors.New("database is locked")
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, 2*time.Millisecond, IsSQLiteBusy, func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("syntax error")
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, 2*time.Millisecond, IsSQLiteBusy, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Retry() error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, time.Millisecond, IsSQLiteBusy, func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatalf("Retry() error = nil, want busy error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}
