package model

import (
	"fmt"
	"time"

	"ai-chat-stream/internal/domain"
)

type ChatJobStatus string

const (
	ChatJobStatusPending    ChatJobStatus = "pending"
	ChatJobStatusProcessing ChatJobStatus = "processing"
	ChatJobStatusCompleted  ChatJobStatus = "completed"
	ChatJobStatusFailed     ChatJobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ChatJobStatus) Valid() bool {
	switch s {
	case ChatJobStatusPending, ChatJobStatusProcessing, ChatJobStatusCompleted, ChatJobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s ChatJobStatus) Terminal() bool {
	return s == ChatJobStatusCompleted || s == ChatJobStatusFailed
}

// ValidateTransition is the single place the job state machine is defined:
// pending -> processing -> completed|failed.
func ValidateTransition(from, to ChatJobStatus) error {
	ok := false
	switch from {
	case ChatJobStatusPending:
		ok = to == ChatJobStatusProcessing
	case ChatJobStatusProcessing:
		ok = to == ChatJobStatusCompleted || to == ChatJobStatusFailed
	case ChatJobStatusCompleted, ChatJobStatusFailed:
		ok = false
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// ChatJob is one asynchronous query-to-answer unit of work.
// TokenUsedAt is nil exactly while the job is pending.
type ChatJob struct {
	ID             string
	SessionToken   string
	Status         ChatJobStatus
	Principal      string
	Query          string
	Model          string
	ResultSummary  string
	TokenExpiresAt time.Time
	TokenUsedAt    *time.Time // Pointer to allow for NULL
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewChatJob builds a pending job whose token expires ttl after now.
func NewChatJob(id, token, principal, query, model string, now time.Time, ttl time.Duration) (*ChatJob, error) {
	if id == "" || token == "" {
		return nil, domain.ErrInvalidArgument
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: token ttl must be positive", domain.ErrInvalidArgument)
	}
	return &ChatJob{
		ID:             id,
		SessionToken:   token,
		Status:         ChatJobStatusPending,
		Principal:      principal,
		Query:          query,
		Model:          model,
		TokenExpiresAt: now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Transition moves the job to the next status.
func (j *ChatJob) Transition(to ChatJobStatus, now time.Time) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return err
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Redeem consumes the session token and moves the job to processing.
// Expiry is checked before use so that an expired token always reports as expired.
func (j *ChatJob) Redeem(now time.Time) error {
	if !now.Before(j.TokenExpiresAt) || j.TokenUsedAt != nil || j.Status != ChatJobStatusPending {
		return ClassifyRedeemMiss(j.TokenExpiresAt, j.TokenUsedAt, now)
	}
	if err := j.Transition(ChatJobStatusProcessing, now); err != nil {
		return err
	}
	used := now
	j.TokenUsedAt = &used
	return nil
}

// Finish records the terminal outcome of a processing job.
func (j *ChatJob) Finish(to ChatJobStatus, summary string, now time.Time) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, to)
	}
	if err := j.Transition(to, now); err != nil {
		return err
	}
	j.ResultSummary = summary
	return nil
}

// Reapable reports whether the job is an expired, never-redeemed job.
func (j *ChatJob) Reapable(now time.Time) bool {
	return j.Status == ChatJobStatusPending && j.TokenUsedAt == nil && j.TokenExpiresAt.Before(now)
}

// ClassifyRedeemMiss explains why a conditional redeem did not match this row.
func ClassifyRedeemMiss(expiresAt time.Time, usedAt *time.Time, now time.Time) error {
	if !now.Before(expiresAt) {
		return domain.ErrTokenExpired
	}
	if usedAt != nil {
		return domain.ErrTokenAlreadyUsed
	}
	// Unused, unexpired but not pending cannot happen while the invariant holds.
	return domain.ErrTokenAlreadyUsed
}
