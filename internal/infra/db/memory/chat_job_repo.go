// Package memory holds a process-local job store for dev mode and tests.
// Every operation runs under one mutex, which makes Redeem a compare-and-set.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/repository"
)

var _ repository.ChatJobRepository = (*ChatJobRepo)(nil)

type ChatJobRepo struct {
	mu       sync.Mutex
	byID     map[string]*model.ChatJob
	byToken  map[string]string // token -> job id
	failWith error
}

func NewChatJobRepo() *ChatJobRepo {
	return &ChatJobRepo{
		byID:    make(map[string]*model.ChatJob),
		byToken: make(map[string]string),
	}
}

func (r *ChatJobRepo) Create(_ context.Context, _ repository.Tx, job *model.ChatJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(); err != nil {
		return err
	}
	if _, ok := r.byID[job.ID]; ok {
		return fmt.Errorf("create chat job: %w", domain.ErrInvalidArgument)
	}
	if _, ok := r.byToken[job.SessionToken]; ok {
		return fmt.Errorf("create chat job: %w", domain.ErrInvalidArgument)
	}
	r.byID[job.ID] = clone(job)
	r.byToken[job.SessionToken] = job.ID
	return nil
}

func (r *ChatJobRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.ChatJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(); err != nil {
		return nil, err
	}
	j, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(j), nil
}

func (r *ChatJobRepo) Redeem(_ context.Context, token string, now time.Time) (*model.ChatJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(); err != nil {
		return nil, err
	}
	id, ok := r.byToken[token]
	if !ok || token == "" {
		return nil, domain.ErrTokenNotFound
	}
	j := r.byID[id]
	// Work on a copy so a failed redeem leaves the stored job untouched.
	next := clone(j)
	if err := next.Redeem(now); err != nil {
		return nil, err
	}
	r.byID[id] = next
	return clone(next), nil
}

func (r *ChatJobRepo) Finish(_ context.Context, id string, status model.ChatJobStatus, summary string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(); err != nil {
		return err
	}
	j, ok := r.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	next := clone(j)
	if err := next.Finish(status, summary, now); err != nil {
		return err
	}
	r.byID[id] = next
	return nil
}

func (r *ChatJobRepo) DeleteExpiredUnredeemed(_ context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(); err != nil {
		return 0, err
	}
	victims := r.collect(limit, func(j *model.ChatJob) bool { return j.Reapable(now) },
		func(a, b *model.ChatJob) bool { return a.TokenExpiresAt.Before(b.TokenExpiresAt) })
	for _, j := range victims {
		r.remove(j)
	}
	return len(victims), nil
}

func (r *ChatJobRepo) DeleteTerminalBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(); err != nil {
		return 0, err
	}
	victims := r.collect(limit, func(j *model.ChatJob) bool { return j.Status.Terminal() && j.UpdatedAt.Before(cutoff) },
		func(a, b *model.ChatJob) bool { return a.UpdatedAt.Before(b.UpdatedAt) })
	for _, j := range victims {
		r.remove(j)
	}
	return len(victims), nil
}

// SetFailure makes every operation fail as an unavailable store until cleared with nil.
func (r *ChatJobRepo) SetFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// Len returns the number of stored jobs.
func (r *ChatJobRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *ChatJobRepo) collect(limit int, match func(*model.ChatJob) bool, less func(a, b *model.ChatJob) bool) []*model.ChatJob {
	var out []*model.ChatJob
	for _, j := range r.byID {
		if match(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *ChatJobRepo) remove(j *model.ChatJob) {
	delete(r.byID, j.ID)
	delete(r.byToken, j.SessionToken)
}

func (r *ChatJobRepo) failure() error {
	if r.failWith != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, r.failWith)
	}
	return nil
}

func clone(j *model.ChatJob) *model.ChatJob {
	cp := *j
	if j.TokenUsedAt != nil {
		t := *j.TokenUsedAt
		cp.TokenUsedAt = &t
	}
	return &cp
}
