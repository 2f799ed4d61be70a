//go:build !integration

package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ai-chat-stream/internal/domain"
)

// --- ChatJob Model Tests ---

func TestNewChatJob(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("should create a pending job", func(t *testing.T) {
		job, err := NewChatJob("id-1", "tok", "alice", "hi", "gpt-4o-mini", now, 5*time.Minute)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if job.Status != ChatJobStatusPending {
			t.Errorf("expected status pending, got %s", job.Status)
		}
		if job.TokenUsedAt != nil {
			t.Error("expected TokenUsedAt to be nil for a new job")
		}
		if !job.TokenExpiresAt.Equal(now.Add(5 * time.Minute)) {
			t.Errorf("unexpected expiry %v", job.TokenExpiresAt)
		}
	})

	t.Run("should reject missing id, token or ttl", func(t *testing.T) {
		for _, tc := range []struct {
			id, token string
			ttl       time.Duration
		}{{"", "t", time.Minute}, {"i", "", time.Minute}, {"i", "t", 0}} {
			if _, err := NewChatJob(tc.id, tc.token, "p", "q", "m", now, tc.ttl); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument for %+v, got %v", tc, err)
			}
		}
	})
}

func TestValidateTransition(t *testing.T) {
	allowed := map[[2]ChatJobStatus]bool{
		{ChatJobStatusPending, ChatJobStatusProcessing}:   true,
		{ChatJobStatusProcessing, ChatJobStatusCompleted}: true,
		{ChatJobStatusProcessing, ChatJobStatusFailed}:    true,
	}
	all := []ChatJobStatus{ChatJobStatusPending, ChatJobStatusProcessing, ChatJobStatusCompleted, ChatJobStatusFailed}
	for _, from := range all {
		for _, to := range all {
			err := ValidateTransition(from, to)
			if allowed[[2]ChatJobStatus{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s should be allowed, got %v", from, to, err)
				}
			} else if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("%s -> %s should be rejected, got %v", from, to, err)
			}
		}
	}
}

func TestChatJob_Redeem(t *testing.T) {
	now := time.Now().UTC()

	t.Run("should consume the token once", func(t *testing.T) {
		job, _ := NewChatJob("id", "tok", "p", "q", "m", now, time.Minute)
		if err := job.Redeem(now.Add(time.Second)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if job.Status != ChatJobStatusProcessing || job.TokenUsedAt == nil {
			t.Fatalf("expected processing with used token, got %+v", job)
		}
		if err := job.Redeem(now.Add(2 * time.Second)); !errors.Is(err, domain.ErrTokenAlreadyUsed) {
			t.Errorf("expected ErrTokenAlreadyUsed, got %v", err)
		}
	})

	t.Run("should report expiry at the deadline", func(t *testing.T) {
		job, _ := NewChatJob("id", "tok", "p", "q", "m", now, time.Minute)
		if err := job.Redeem(now.Add(time.Minute)); !errors.Is(err, domain.ErrTokenExpired) {
			t.Errorf("expected ErrTokenExpired, got %v", err)
		}
		if job.Status != ChatJobStatusPending {
			t.Error("a failed redeem must not change the job")
		}
	})

	t.Run("expired wins over used", func(t *testing.T) {
		job, _ := NewChatJob("id", "tok", "p", "q", "m", now, time.Minute)
		_ = job.Redeem(now)
		if err := job.Redeem(now.Add(time.Hour)); !errors.Is(err, domain.ErrTokenExpired) {
			t.Errorf("expected ErrTokenExpired, got %v", err)
		}
	})
}

func TestChatJob_FinishAndReapable(t *testing.T) {
	now := time.Now().UTC()
	job, _ := NewChatJob("id", "tok", "p", "q", "m", now, time.Minute)

	if !job.Reapable(now.Add(2 * time.Minute)) {
		t.Error("expired pending job should be reapable")
	}
	if job.Reapable(now) {
		t.Error("live pending job should not be reapable")
	}
	if err := job.Finish(ChatJobStatusCompleted, "x", now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("pending job cannot finish, got %v", err)
	}

	_ = job.Redeem(now)
	if job.Reapable(now.Add(time.Hour)) {
		t.Error("redeemed job must never be reapable")
	}
	if err := job.Finish(ChatJobStatusProcessing, "", now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("non-terminal finish must be rejected, got %v", err)
	}
	if err := job.Finish(ChatJobStatusFailed, "boom", now); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job.ResultSummary != "boom" || !job.Status.Terminal() {
		t.Errorf("unexpected job after finish: %+v", job)
	}
}

// --- StreamEvent Model Tests ---

func TestNewStreamEvent(t *testing.T) {
	evt := NewStreamEvent(StreamEventMessage, MessageData{Delta: "hel"})
	if evt.Kind != StreamEventMessage || evt.Kind.Terminal() {
		t.Fatalf("unexpected kind %s", evt.Kind)
	}
	var md MessageData
	if err := json.Unmarshal(evt.Data, &md); err != nil || md.Delta != "hel" {
		t.Fatalf("unexpected data %s (%v)", evt.Data, err)
	}

	bad := NewStreamEvent(StreamEventDone, make(chan int))
	if bad.Kind != StreamEventError {
		t.Errorf("unencodable payload should become an error event, got %s", bad.Kind)
	}
	if !StreamEventDone.Terminal() || !StreamEventError.Terminal() || StreamEventProgress.Terminal() {
		t.Error("terminal kinds misreported")
	}
}
