package apiv1_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/adapter"
	"ai-chat-stream/internal/infra/adapters/auth"
	apiv1 "ai-chat-stream/internal/infra/api/apiv1"
	"ai-chat-stream/internal/infra/db/memory"
	"ai-chat-stream/internal/infra/logging"
	"ai-chat-stream/internal/infra/stream"
	"ai-chat-stream/internal/infra/worker"
	"ai-chat-stream/internal/usecase"
)

type echoAI struct{ fail bool }

func (e echoAI) Provider() string     { return "fake" }
func (e echoAI) DefaultModel() string { return "fake-1" }
func (e echoAI) ChatStream(ctx context.Context, model string, msgs []adapter.Message, onDelta adapter.DeltaFunc) (string, adapter.Usage, error) {
	if e.fail {
		return "", adapter.Usage{}, errors.New("provider down")
	}
	for _, d := range []string{"4", "2"} {
		if err := onDelta(d); err != nil {
			return "", adapter.Usage{}, err
		}
	}
	return "42", adapter.Usage{PromptTokens: 1, CompletionTokens: 2}, nil
}

type env struct {
	srv      *httptest.Server
	repo     *memory.ChatJobRepo
	verifier *auth.JWTVerifier
}

func newEnv(t *testing.T, ai adapter.AIServiceAdapter, ttl time.Duration) *env {
	t.Helper()
	log := logging.Nop()
	repo := memory.NewChatJobRepo()
	disp := stream.NewDispatcher(log)
	pool := worker.NewPool(2, 8, log)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	proc := worker.NewChatJobProcessor(repo, ai, disp, pool, worker.ProcessorConfig{AITimeout: 5 * time.Second}, log)
	redeem := usecase.NewRedemptionUseCase(repo, log)
	submit := usecase.NewSubmissionUseCase(repo, nil, nil, nil, nil, usecase.SubmissionConfig{
		TokenTTL:            ttl,
		MaxQueryLength:      100,
		StreamPath:          "/stream",
		EstimateBaseSeconds: 1,
	}, log)
	streamUC := usecase.NewStreamUseCase(redeem, disp, proc, repo, false, log)
	verifier := auth.NewJWTVerifier("test-secret", "")

	r := chi.NewRouter()
	apiv1.RegisterAPIV1(r, apiv1.NewServer(submit, streamUC, usecase.NewJobQueryUseCase(repo, log), verifier,
		apiv1.Config{StreamPath: "/stream", Heartbeat: 50 * time.Millisecond}, log))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, repo: repo, verifier: verifier}
}

func (e *env) bearer(t *testing.T, sub string) string {
	t.Helper()
	tok, err := e.verifier.Mint(sub, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

type submitResponse struct {
	JobID          string    `json:"jobId"`
	SessionToken   string    `json:"sessionToken"`
	StreamURL      string    `json:"streamUrl"`
	EstimatedTime  int       `json:"estimatedTime"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

func (e *env) submit(t *testing.T, authz, body string) (*http.Response, submitResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/chat", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out submitResponse
	if resp.StatusCode == http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Code
}

type sseEvent struct {
	name string
	data model.StreamEvent
}

// readSSE parses the event stream until the server closes it.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			require.NoError(t, json.Unmarshal([]byte(raw), &cur.data))
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestSubmit_Statuses(t *testing.T) {
	e := newEnv(t, echoAI{}, time.Minute)

	resp, _ := e.submit(t, "", `{"message":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.submit(t, "Bearer junk", `{"message":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.submit(t, e.bearer(t, "alice"), `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/chat", bytes.NewBufferString(`{"message":"   "}`))
	req.Header.Set("Authorization", e.bearer(t, "alice"))
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	assert.Equal(t, "validation_error", errorCode(t, raw))

	resp, out := e.submit(t, e.bearer(t, "alice"), `{"message":"what is six times seven?"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, out.JobID)
	assert.NotEmpty(t, out.SessionToken)
	assert.Equal(t, "/stream?token="+out.SessionToken, out.StreamURL)
	assert.Greater(t, out.EstimatedTime, 0)
	assert.True(t, out.TokenExpiresAt.After(time.Now()))
}

func TestSubmit_StoreDownIs503(t *testing.T) {
	e := newEnv(t, echoAI{}, time.Minute)
	e.repo.SetFailure(errors.New("db gone"))
	resp, _ := e.submit(t, e.bearer(t, "alice"), `{"message":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStream_HappyPathThenTokenSpent(t *testing.T) {
	e := newEnv(t, echoAI{}, time.Minute)
	_, out := e.submit(t, e.bearer(t, "alice"), `{"message":"answer?"}`)

	resp, err := http.Get(e.srv.URL + out.StreamURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	events := readSSE(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.name)
	assert.Equal(t, out.JobID, last.data.JobID)

	var deltas []string
	for _, ev := range events {
		if ev.name == "message" {
			var m model.MessageData
			require.NoError(t, json.Unmarshal(ev.data.Data, &m))
			deltas = append(deltas, m.Delta)
		}
	}
	assert.Equal(t, []string{"4", "2"}, deltas)

	again, err := http.Get(e.srv.URL + out.StreamURL)
	require.NoError(t, err)
	defer again.Body.Close()
	assert.Equal(t, http.StatusConflict, again.StatusCode)
	assert.Equal(t, "token_already_used", errorCode(t, again))

	// job lookup is scoped to the submitter
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/jobs/"+out.JobID, nil)
	req.Header.Set("Authorization", e.bearer(t, "alice"))
	require.Eventually(t, func() bool {
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var view struct {
			Status        string `json:"status"`
			ResultSummary string `json:"resultSummary"`
		}
		_ = json.NewDecoder(r.Body).Decode(&view)
		return r.StatusCode == http.StatusOK && view.Status == "completed" && view.ResultSummary == "42"
	}, 2*time.Second, 10*time.Millisecond)

	req.Header.Set("Authorization", e.bearer(t, "mallory"))
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestStream_HeaderTokenAndFailureEvent(t *testing.T) {
	e := newEnv(t, echoAI{fail: true}, time.Minute)
	_, out := e.submit(t, e.bearer(t, "alice"), `{"message":"hi"}`)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/stream", nil)
	req.Header.Set("X-Session-Token", out.SessionToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, "error", events[len(events)-1].name)
}

func TestStream_RedemptionFailuresAreDistinct(t *testing.T) {
	e := newEnv(t, echoAI{}, 20*time.Millisecond)

	resp, err := http.Get(e.srv.URL + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(e.srv.URL + "/stream?token=unknown")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "token_not_found", errorCode(t, resp))
	resp.Body.Close()

	_, out := e.submit(t, e.bearer(t, "alice"), `{"message":"hi"}`)
	time.Sleep(40 * time.Millisecond)
	resp, err = http.Get(e.srv.URL + out.StreamURL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "token_expired", errorCode(t, resp))
	resp.Body.Close()
}
