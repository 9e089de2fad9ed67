package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers each request with a fixed transform and records what
// the render side received.
type echoHandler struct {
	mu        sync.Mutex
	requests  []string
	responses []string
	endRuns   atomic.Int32
	transform func(string) []string
	entered   chan struct{}
	block     chan struct{}
}

func (h *echoHandler) Work(respond Responder, payload []byte) error {
	if h.entered != nil {
		h.entered <- struct{}{}
	}
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	h.requests = append(h.requests, string(payload))
	h.mu.Unlock()
	out := []string{string(payload)}
	if h.transform != nil {
		out = h.transform(string(payload))
	}
	for _, r := range out {
		if err := respond.Respond([]byte(r)); err != nil {
			return err
		}
	}
	return nil
}

func (h *echoHandler) WorkResponse(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, string(payload))
	return nil
}

func (h *echoHandler) EndRun() { h.endRuns.Add(1) }

func (h *echoHandler) gotResponses() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.responses...)
}

func newTestWorker(t *testing.T, h Handler, capacity int) *Worker {
	t.Helper()
	w := New(h, capacity, WithLogger(testr.New(t)))
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitCompleted(t *testing.T, w *Worker, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := w.Stats()
		return s.Completed+s.Failed >= n
	}, 2*time.Second, time.Millisecond)
}

func TestScheduleRespondCommit(t *testing.T) {
	h := &echoHandler{transform: func(string) []string { return []string{"Y"} }}
	w := newTestWorker(t, h, 256)
	w.Start()

	require.NoError(t, w.Schedule([]byte("X")))
	waitCompleted(t, w, 1)

	h.mu.Lock()
	assert.Equal(t, []string{"X"}, h.requests)
	h.mu.Unlock()

	assert.Equal(t, 1, w.EmitResponses())
	w.EndRun()
	assert.Equal(t, []string{"Y"}, h.gotResponses())

	// delivered exactly once
	assert.Equal(t, 0, w.EmitResponses())
	w.EndRun()
	assert.Equal(t, []string{"Y"}, h.gotResponses())
	assert.Equal(t, int32(2), h.endRuns.Load())
}

func TestResponsesKeepWorkerOrder(t *testing.T) {
	const n = 50
	h := &echoHandler{}
	w := newTestWorker(t, h, 4096)
	w.Start()

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("req-%02d", i)
		require.NoError(t, w.Schedule([]byte(want[i])))
	}
	waitCompleted(t, w, n)

	delivered := 0
	for delivered < n {
		delivered += w.EmitResponses()
	}
	assert.Equal(t, want, h.gotResponses())
	assert.Equal(t, uint64(n), w.Stats().Committed)
}

func TestScheduleWithoutSpaceLeavesChannelUntouched(t *testing.T) {
	h := &echoHandler{}
	w := newTestWorker(t, h, 24)
	// not started: requests stay queued

	require.NoError(t, w.Schedule(make([]byte, 16))) // 8 header + 16
	require.Zero(t, w.requests.WriteSpace())

	before := w.requests.State()
	err := w.Schedule([]byte("x"))
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, before.WritePos, w.requests.State().WritePos)
	assert.Zero(t, w.requests.WriteSpace())
	assert.Equal(t, uint64(1), w.Stats().Rejected)

	w.Start()
	waitCompleted(t, w, 1)
	assert.Equal(t, 24, w.requests.WriteSpace())
}

func TestFreewheelRunsInline(t *testing.T) {
	h := &echoHandler{}
	w := newTestWorker(t, h, 256)
	w.SetFreewheeling(true)
	require.True(t, w.Freewheeling())

	require.NoError(t, w.Schedule([]byte("now")))
	// no goroutine was started, so the work ran inside Schedule
	h.mu.Lock()
	assert.Equal(t, []string{"now"}, h.requests)
	h.mu.Unlock()

	assert.Equal(t, 1, w.EmitResponses())
	assert.Equal(t, []string{"now"}, h.gotResponses())
}

type panicky struct{ calls atomic.Int32 }

func (p *panicky) Work(respond Responder, payload []byte) error {
	switch p.calls.Add(1) {
	case 1:
		panic("boom")
	case 2:
		return errors.New("plain failure")
	}
	return respond.Respond(payload)
}

func (p *panicky) WorkResponse([]byte) error { return nil }

func TestWorkerSurvivesFailingWork(t *testing.T) {
	p := &panicky{}
	w := newTestWorker(t, p, 256)
	w.Start()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, w.Schedule([]byte(s)))
	}
	waitCompleted(t, w, 3)
	s := w.Stats()
	assert.Equal(t, uint64(2), s.Failed)
	assert.Equal(t, uint64(1), s.Completed)
	assert.Equal(t, 1, w.EmitResponses())
}

type refusingHandler struct{ echoHandler }

func (h *refusingHandler) WorkResponse([]byte) error { return errors.New("refused") }

func TestResponseFailuresCountedApart(t *testing.T) {
	h := &refusingHandler{}
	w := newTestWorker(t, h, 256)
	w.Start()

	require.NoError(t, w.Schedule([]byte("X")))
	waitCompleted(t, w, 1)
	assert.Equal(t, 1, w.EmitResponses())

	s := w.Stats()
	assert.Equal(t, uint64(1), s.Completed)
	assert.Zero(t, s.Failed, "the work itself succeeded")
	assert.Equal(t, uint64(1), s.ResponsesFailed)
	assert.Equal(t, uint64(1), s.Committed)
}

func TestRespondWithoutSpaceDropsResponse(t *testing.T) {
	h := &echoHandler{transform: func(s string) []string { return []string{s, s} }}
	w := newTestWorker(t, h, 16)
	w.Start()

	require.NoError(t, w.Schedule([]byte("12345678")))
	waitCompleted(t, w, 1)
	s := w.Stats()
	assert.Equal(t, uint64(1), s.Failed)
	assert.Equal(t, uint64(1), s.ResponsesDropped)
	assert.Equal(t, 1, w.EmitResponses())
}

func TestCloseJoinsInFlightWork(t *testing.T) {
	h := &echoHandler{entered: make(chan struct{}, 1), block: make(chan struct{})}
	w := New(h, 256, WithLogger(testr.New(t)))
	w.Start()
	require.NoError(t, w.Schedule([]byte("slow")))
	<-h.entered

	closed := make(chan struct{})
	go func() {
		_ = w.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatalf("Close returned while work was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(h.block)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}

	h.mu.Lock()
	assert.Equal(t, []string{"slow"}, h.requests)
	h.mu.Unlock()
	assert.ErrorIs(t, w.Schedule([]byte("late")), ErrClosed)
	assert.Zero(t, w.EmitResponses())
	assert.NoError(t, w.Close())
}

type overwriter struct{ echoHandler }

func (o *overwriter) Work(respond Responder, payload []byte) error {
	for i := range payload {
		payload[i] = 'z'
	}
	return respond.Respond(payload)
}

func TestFreewheelWorkGetsItsOwnCopy(t *testing.T) {
	h := &overwriter{}
	w := newTestWorker(t, h, 32)
	w.SetFreewheeling(true)

	req := []byte("abc")
	require.NoError(t, w.Schedule(req))
	assert.Equal(t, "abc", string(req), "caller buffer untouched")
	assert.Equal(t, 1, w.EmitResponses())
	assert.Equal(t, []string{"zzz"}, h.gotResponses())

	assert.ErrorIs(t, w.Schedule(make([]byte, 32)), ErrNoSpace)
	assert.Equal(t, uint64(1), w.Stats().Rejected)
}
