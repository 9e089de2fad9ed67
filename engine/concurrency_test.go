package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/plughost/internal/testutil"
)

// Render, control surface and worker each run on their own goroutine, as
// they do in a host. Run with -race.
func TestRenderSurfaceAndWorkerRunConcurrently(t *testing.T) {
	const writes = 200
	p, lib := newTestPlugin(t, Config{})
	inst := lib.Entry.Instance()
	s := p.Surface()
	require.True(t, s.Open(0))
	ui := lib.UIEntry.UI()
	workType := p.URIDs().Map(testutil.FakeWorkType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var cycles atomic.Int64
	rendered := make(chan error, 1)
	go func() {
		in := [][]float32{testutil.Ramp(32, 0, 1)}
		out := [][]float32{make([]float32, 32)}
		for ctx.Err() == nil {
			if err := p.Process(in, out, 32); err != nil {
				rendered <- err
				return
			}
			cycles.Add(1)
			runtime.Gosched()
		}
		rendered <- nil
	}()

	for i := 0; i < writes; i++ {
		s.WriteControl(3, float32(i%10))
		s.Write(testutil.PortEvIn, workType, []byte(fmt.Sprintf("w%03d", i)))
		s.Idle()
	}
	s.WriteControl(3, 7.5)
	require.Eventually(t, func() bool {
		s.Idle()
		vals, _ := ui.Snapshot()
		return vals[3] == 7.5
	}, 2*time.Second, time.Millisecond, "surface write must come back through render")
	require.Eventually(t, func() bool {
		return len(inst.Worked()) == writes
	}, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-rendered)
	assert.Positive(t, cycles.Load())

	// render is stopped; this goroutine takes it over to commit the rest
	for i := 0; i < 100 && len(inst.Committed) < writes; i++ {
		runCycle(t, p, 32)
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, inst.ScheduleErr)
	require.Len(t, inst.Received, writes)
	require.Len(t, inst.Committed, writes)
	for i := 0; i < writes; i++ {
		want := fmt.Sprintf("w%03d", i)
		assert.Equal(t, want, inst.Received[i])
		assert.Equal(t, want, inst.Worked()[i])
		assert.Equal(t, "done:"+want, inst.Committed[i])
	}
	assert.Zero(t, p.Worker().Stats().ResponsesDropped)

	s.Idle()
	var echoed int
	for _, ev := range ui.ReceivedEvents() {
		if ev.Type == workType {
			echoed++
		}
	}
	assert.Equal(t, writes, echoed, "every output event reaches the surface")
}
