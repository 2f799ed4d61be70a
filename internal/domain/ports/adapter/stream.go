package adapter

import (
	"context"

	"ai-chat-stream/internal/domain/model"
)

// StreamSubscription is the single live consumer of one job's events.
type StreamSubscription interface {
	JobID() string
	// Next blocks until the next event in publish order. It returns io.EOF
	// once the channel was closed and fully drained.
	Next(ctx context.Context) (model.StreamEvent, error)
	// Release detaches the subscriber and frees the channel.
	Release()
}

// StreamDispatcher routes worker events to the one open channel of a job.
type StreamDispatcher interface {
	Open(jobID string) (StreamSubscription, error)
	Publish(jobID string, evt model.StreamEvent) error
	Close(jobID string)
}
