package stream_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/infra/logging"
	"ai-chat-stream/internal/infra/stream"
)

func msg(delta string) model.StreamEvent {
	return model.NewStreamEvent(model.StreamEventMessage, model.MessageData{Delta: delta})
}

func drain(t *testing.T, sub interface {
	Next(context.Context) (model.StreamEvent, error)
}) []model.StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []model.StreamEvent
	for {
		evt, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, evt)
	}
}

func TestDispatcher_PublishBeforeAttachIsBuffered(t *testing.T) {
	t.Parallel()
	d := stream.NewDispatcher(logging.Nop())

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, d.Publish("job-1", msg(s)))
	}
	d.Close("job-1")

	sub, err := d.Open("job-1")
	require.NoError(t, err)
	defer sub.Release()

	got := drain(t, sub)
	require.Len(t, got, 3)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.Seq)
		assert.Equal(t, "job-1", evt.JobID)
		assert.NotEmpty(t, evt.ID)
	}
	assert.JSONEq(t, `{"delta":"a"}`, string(got[0].Data))
	assert.JSONEq(t, `{"delta":"c"}`, string(got[2].Data))
}

func TestDispatcher_ConcurrentPublishAndAttachKeepsOrder(t *testing.T) {
	t.Parallel()
	d := stream.NewDispatcher(logging.Nop())
	const n = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = d.Publish("job-2", msg("x"))
		}
		d.Close("job-2")
	}()

	sub, err := d.Open("job-2")
	require.NoError(t, err)
	got := drain(t, sub)
	wg.Wait()

	require.Len(t, got, n)
	seen := make(map[string]bool, n)
	for i, evt := range got {
		require.Equal(t, int64(i+1), evt.Seq)
		require.False(t, seen[evt.ID], "duplicate event id")
		seen[evt.ID] = true
	}
}

func TestDispatcher_SecondSubscriberRejected(t *testing.T) {
	t.Parallel()
	d := stream.NewDispatcher(logging.Nop())

	sub, err := d.Open("job-3")
	require.NoError(t, err)
	defer sub.Release()

	_, err = d.Open("job-3")
	require.ErrorIs(t, err, stream.ErrAlreadySubscribed)
}

func TestDispatcher_ReleaseDropsLaterEvents(t *testing.T) {
	t.Parallel()
	d := stream.NewDispatcher(logging.Nop())

	sub, err := d.Open("job-4")
	require.NoError(t, err)
	require.NoError(t, d.Publish("job-4", msg("before")))
	sub.Release()

	require.NoError(t, d.Publish("job-4", msg("after")))
	st := d.Stats()
	assert.Equal(t, 0, st.OpenChannels)
	assert.Equal(t, int64(2), st.TotalDropped)

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, stream.ErrChannelGone)

	// producer finishes; the tombstone is cleared
	d.Close("job-4")
	_, err = d.Open("job-4")
	require.NoError(t, err)
}

func TestDispatcher_NextHonoursContext(t *testing.T) {
	t.Parallel()
	d := stream.NewDispatcher(logging.Nop())
	sub, err := d.Open("job-5")
	require.NoError(t, err)
	defer sub.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_PublishAfterCloseIsDropped(t *testing.T) {
	t.Parallel()
	d := stream.NewDispatcher(logging.Nop())
	sub, err := d.Open("job-6")
	require.NoError(t, err)

	require.NoError(t, d.Publish("job-6", msg("one")))
	d.Close("job-6")
	require.NoError(t, d.Publish("job-6", msg("late")))

	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), d.Stats().TotalDropped)
	assert.Equal(t, 0, d.Stats().OpenChannels)
}
