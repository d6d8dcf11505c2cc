// ABOUTME: Tests for the two-phase correlation table.
// ABOUTME: Covers response routing, run id promotion, session-key fallback, and failure.

package correlate

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table[string] {
	t.Helper()
	return NewTable[string](slog.Default())
}

func TestRegister_DuplicateRequestID(t *testing.T) {
	tbl := newTestTable(t)

	_, err := tbl.Register("req-1", "sess-a")
	require.NoError(t, err)

	_, err = tbl.Register("req-1", "sess-b")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestRouteResponse_DeliversToWaiter(t *testing.T) {
	tbl := newTestTable(t)

	p, err := tbl.Register("req-1", "sess-a")
	require.NoError(t, err)

	require.True(t, tbl.RouteResponse("req-1", "hello"))
	assert.Equal(t, "hello", <-p.Frames())
}

func TestRouteResponse_UnknownIDDropped(t *testing.T) {
	tbl := newTestTable(t)

	assert.False(t, tbl.RouteResponse("nope", "hello"))
}

func TestRouteEvent_MatchesPromotedRunID(t *testing.T) {
	tbl := newTestTable(t)

	p, err := tbl.Register("req-1", "sess-a")
	require.NoError(t, err)
	tbl.Promote("req-1", "run-42")

	require.True(t, tbl.RouteEvent("run-42", "", "chunk"))
	assert.Equal(t, "chunk", <-p.Frames())
}

func TestRouteEvent_SessionKeyFallbackOnlyBeforePromotion(t *testing.T) {
	tbl := newTestTable(t)

	p, err := tbl.Register("req-1", "sess-a")
	require.NoError(t, err)

	// No run id known yet: events without a run id match by session key.
	require.True(t, tbl.RouteEvent("", "sess-a", "early"))
	assert.Equal(t, "early", <-p.Frames())

	// After promotion the fallback no longer applies.
	tbl.Promote("req-1", "run-42")
	assert.False(t, tbl.RouteEvent("", "sess-a", "late"))
}

func TestRouteEvent_UnmatchedDropped(t *testing.T) {
	tbl := newTestTable(t)

	_, err := tbl.Register("req-1", "sess-a")
	require.NoError(t, err)

	assert.False(t, tbl.RouteEvent("run-unknown", "sess-z", "evt"))
}

func TestClose_ClosesFrameChannel(t *testing.T) {
	tbl := newTestTable(t)

	p, err := tbl.Register("req-1", "sess-a")
	require.NoError(t, err)

	tbl.Close("req-1")

	_, open := <-p.Frames()
	assert.False(t, open)
	assert.Equal(t, 0, tbl.Len())

	// Closing again is a no-op.
	tbl.Close("req-1")
}

func TestFailAll_WakesEveryWaiter(t *testing.T) {
	tbl := newTestTable(t)

	p1, err := tbl.Register("req-1", "sess-a")
	require.NoError(t, err)
	p2, err := tbl.Register("req-2", "sess-b")
	require.NoError(t, err)

	tbl.FailAll()

	_, open := <-p1.Frames()
	assert.False(t, open)
	_, open = <-p2.Frames()
	assert.False(t, open)
	assert.Equal(t, 0, tbl.Len())
}

func TestDeliver_DropsWhenBufferFull(t *testing.T) {
	tbl := newTestTable(t)

	p, err := tbl.Register("req-1", "sess-a")
	require.NoError(t, err)

	for i := 0; i < frameBuffer; i++ {
		require.True(t, tbl.RouteResponse("req-1", "frame"))
	}
	// Buffer is full; the frame is dropped, not blocked on.
	assert.True(t, tbl.RouteResponse("req-1", "overflow"))
	assert.Len(t, p.frames, frameBuffer)
}
