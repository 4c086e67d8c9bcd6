package tgviz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []any
	ctxs  []context.Context

	resp *Response
	err  error

	// When set, SendUpdate blocks until the channel closes or the
	// request context is canceled.
	block chan struct{}
}

func (f *fakeSender) SendUpdate(ctx context.Context, update any) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, update)
	f.ctxs = append(f.ctxs, ctx)
	resp, err, block := f.resp, f.err, f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &SendError{Reason: FailureNetwork, Err: ctx.Err()}
		}
	}
	return resp, err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) recorded() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.calls...)
}

func (f *fakeSender) setResp(resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = resp
}

func (f *fakeSender) lastCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ctxs) == 0 {
		return nil
	}
	return f.ctxs[len(f.ctxs)-1]
}

func newTestProcessor(t *testing.T, mode ProcessingMode, sender updateSender) *Processor {
	t.Helper()
	p, err := NewProcessor(ProcessorOptions{
		Token:  "bot-token",
		Mode:   mode,
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	p.sender = sender
	t.Cleanup(p.Close)
	return p
}

func TestNewProcessor_DefaultsToAsync(t *testing.T) {
	p, err := NewProcessor(ProcessorOptions{Token: "bot-token", Logger: discardLogger()})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, ModeAsync, p.Mode())
}

func TestNewProcessor_RejectsUnknownMode(t *testing.T) {
	_, err := NewProcessor(ProcessorOptions{Token: "bot-token", Mode: "batch"})
	require.Error(t, err)
}

func TestNewProcessor_RequiresToken(t *testing.T) {
	_, err := NewProcessor(ProcessorOptions{Mode: ModeSync})
	require.Error(t, err)
}

func TestProcessUpdate_SyncRunsHandler(t *testing.T) {
	sender := &fakeSender{resp: &Response{UpdateID: 7}}
	p := newTestProcessor(t, ModeSync, sender)

	update := map[string]any{"update_id": 7}
	result, err := p.ProcessUpdate(context.Background(), update, func(context.Context) (any, error) {
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Value)
	assert.False(t, result.Skipped)
	assert.Equal(t, []any{update}, sender.recorded())
}

func TestProcessUpdate_SyncSkipsHandler(t *testing.T) {
	sender := &fakeSender{resp: &Response{UpdateID: 7, SkipUpdate: boolPtr(true)}}
	p := newTestProcessor(t, ModeSync, sender)

	handlerCalled := false
	result, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 7}, func(context.Context) (any, error) {
		handlerCalled = true
		return "pong", nil
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Nil(t, result.Value)
	assert.False(t, handlerCalled)
}

func TestProcessUpdate_SyncSkipsViaNestedAction(t *testing.T) {
	sender := &fakeSender{resp: &Response{
		UpdateID: 7,
		Action:   &BotAction{SkipUpdate: boolPtr(true)},
	}}
	p := newTestProcessor(t, ModeSync, sender)

	result, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 7}, func(context.Context) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestProcessUpdate_SyncFailsOpenOnReportError(t *testing.T) {
	sender := &fakeSender{err: &SendError{Reason: FailureNetwork, Err: errors.New("connection refused")}}
	p := newTestProcessor(t, ModeSync, sender)

	result, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 7}, func(context.Context) (any, error) {
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Value)
	assert.False(t, result.Skipped)
}

func TestProcessUpdate_SyncVerdictsAreIndependent(t *testing.T) {
	sender := &fakeSender{resp: &Response{UpdateID: 1, SkipUpdate: boolPtr(true)}}
	p := newTestProcessor(t, ModeSync, sender)

	handler := func(context.Context) (any, error) { return "pong", nil }

	first, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, handler)
	require.NoError(t, err)
	assert.True(t, first.Skipped)

	sender.setResp(&Response{UpdateID: 2})
	second, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 2}, handler)
	require.NoError(t, err)
	assert.False(t, second.Skipped)
	assert.Equal(t, "pong", second.Value)
}

func TestProcessUpdate_HandlerErrorPassesThrough(t *testing.T) {
	errBoom := errors.New("boom")
	handler := func(context.Context) (any, error) { return nil, errBoom }

	syncP := newTestProcessor(t, ModeSync, &fakeSender{resp: &Response{}})
	_, err := syncP.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, handler)
	assert.ErrorIs(t, err, errBoom)

	asyncP := newTestProcessor(t, ModeAsync, &fakeSender{resp: &Response{}})
	_, err = asyncP.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, handler)
	assert.ErrorIs(t, err, errBoom)
}

func TestProcessUpdate_HandlerPanicPropagates(t *testing.T) {
	p := newTestProcessor(t, ModeSync, &fakeSender{resp: &Response{}})

	assert.Panics(t, func() {
		_, _ = p.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, func(context.Context) (any, error) {
			panic("handler exploded")
		})
	})
}

func TestProcessUpdate_AsyncDoesNotBlockOnSlowReport(t *testing.T) {
	sender := &fakeSender{resp: &Response{}, block: make(chan struct{})}
	defer close(sender.block)
	p := newTestProcessor(t, ModeAsync, sender)

	result, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, func(context.Context) (any, error) {
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Value)
	assert.False(t, result.Skipped)

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestProcessUpdate_AsyncIgnoresSkipVerdict(t *testing.T) {
	sender := &fakeSender{resp: &Response{UpdateID: 1, SkipUpdate: boolPtr(true)}}
	p := newTestProcessor(t, ModeAsync, sender)

	result, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, func(context.Context) (any, error) {
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Value)
	assert.False(t, result.Skipped)

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestProcessUpdate_AsyncReportErrorDoesNotSurface(t *testing.T) {
	sender := &fakeSender{err: &SendError{Reason: FailureStatus, StatusCode: 500, Err: errors.New("tgviz returned status 500")}}
	p := newTestProcessor(t, ModeAsync, sender)

	result, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, func(context.Context) (any, error) {
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Value)

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestProcessUpdate_AsyncReportsEveryUpdate(t *testing.T) {
	sender := &fakeSender{resp: &Response{}}
	p := newTestProcessor(t, ModeAsync, sender)

	handler := func(context.Context) (any, error) { return nil, nil }
	for i := 1; i <= 3; i++ {
		_, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": i}, handler)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sender.callCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []any{
		map[string]any{"update_id": 1},
		map[string]any{"update_id": 2},
		map[string]any{"update_id": 3},
	}, sender.recorded())
}

func TestProcessUpdate_AsyncReportOutlivesCallerContext(t *testing.T) {
	sender := &fakeSender{resp: &Response{}, block: make(chan struct{})}
	p := newTestProcessor(t, ModeAsync, sender)

	callerCtx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ProcessUpdate(callerCtx, map[string]any{"update_id": 1}, func(context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sender.lastCtx().Err())
	close(sender.block)
}

func TestClose_AbandonsInflightReports(t *testing.T) {
	sender := &fakeSender{resp: &Response{}, block: make(chan struct{})}
	defer close(sender.block)

	p, err := NewProcessor(ProcessorOptions{Token: "bot-token", Mode: ModeAsync, Logger: discardLogger()})
	require.NoError(t, err)
	p.sender = sender

	_, err = p.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, func(context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sender.callCount() == 1 }, time.Second, 5*time.Millisecond)

	p.Close()
	assert.Error(t, sender.lastCtx().Err())
}

func TestProcessor_SyncEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update struct {
			UpdateID int64 `json:"update_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&update)

		w.Header().Set("Content-Type", "application/json")
		skip := update.UpdateID == 1
		_ = json.NewEncoder(w).Encode(Response{UpdateID: update.UpdateID, SkipUpdate: &skip})
	}))
	defer server.Close()

	p, err := NewProcessor(ProcessorOptions{
		Token:  "bot-token",
		Mode:   ModeSync,
		APIURL: server.URL,
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	defer p.Close()

	handled := 0
	handler := func(context.Context) (any, error) {
		handled++
		return nil, nil
	}

	first, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 1}, handler)
	require.NoError(t, err)
	assert.True(t, first.Skipped)

	second, err := p.ProcessUpdate(context.Background(), map[string]any{"update_id": 2}, handler)
	require.NoError(t, err)
	assert.False(t, second.Skipped)
	assert.Equal(t, 1, handled)
}
