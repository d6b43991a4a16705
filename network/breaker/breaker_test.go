package breaker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{FailureThreshold: 3, ResetTimeout: 10 * time.Second}
}

func TestTripAndReset(t *testing.T) {
	clk := clock.NewMock()
	b := New(testConfig(), clk)

	assert.False(t, b.Failure())
	assert.False(t, b.Failure())
	assert.False(t, b.IsBlocked())
	assert.True(t, b.Failure(), "third failure trips the breaker")
	assert.Equal(t, Open, b.State())
	assert.True(t, b.IsBlocked())

	clk.Add(10 * time.Second)
	assert.False(t, b.Blocked(), "peek sees the trial window")
	assert.Equal(t, Open, b.State(), "peek does not transition")

	assert.False(t, b.IsBlocked(), "one trial admitted")
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.IsBlocked(), "only one trial")
	assert.True(t, b.Blocked())

	b.Success()
	assert.Equal(t, Closed, b.State())
	assert.EqualValues(t, 0, b.Failures())
	assert.False(t, b.IsBlocked())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewMock()
	b := New(testConfig(), clk)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clk.Add(10 * time.Second)
	require.False(t, b.IsBlocked())

	assert.False(t, b.Failure(), "HalfOpen->Open is not a Closed->Open trip")
	assert.Equal(t, Open, b.State())
	assert.True(t, b.IsBlocked())

	clk.Add(9 * time.Second)
	assert.True(t, b.IsBlocked(), "reset timer restarted")
	clk.Add(time.Second)
	assert.False(t, b.IsBlocked())
}

func TestAbandonedTrialIsReplaced(t *testing.T) {
	clk := clock.NewMock()
	b := New(testConfig(), clk)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clk.Add(10 * time.Second)
	require.False(t, b.IsBlocked())

	clk.Add(5 * time.Second)
	assert.True(t, b.IsBlocked())
	clk.Add(5 * time.Second)
	assert.False(t, b.IsBlocked(), "a new trial after another reset timeout")
	assert.True(t, b.IsBlocked())
}

func TestSuccessResetsCount(t *testing.T) {
	b := New(testConfig(), clock.NewMock())
	b.Failure()
	b.Failure()
	b.Success()
	assert.False(t, b.Failure())
	assert.False(t, b.Failure())
	assert.Equal(t, Closed, b.State())
}

func TestTableHooks(t *testing.T) {
	clk := clock.NewMock()
	tbl := NewTable(KindPeer, testConfig(), clk)

	type change struct {
		key      string
		from, to State
	}
	var changes []change
	rejects := 0
	tbl.OnStateChange(func(kind, key string, from, to State) {
		assert.Equal(t, KindPeer, kind)
		changes = append(changes, change{key, from, to})
	})
	tbl.OnReject(func(kind, key string) { rejects++ })

	assert.False(t, tbl.IsBlocked("a"))
	assert.False(t, tbl.Blocked("a"))
	for i := 0; i < 3; i++ {
		tbl.Failure("a")
	}
	assert.True(t, tbl.Blocked("a"))
	assert.True(t, tbl.IsBlocked("a"))
	assert.False(t, tbl.IsBlocked("b"))
	assert.Equal(t, 1, rejects)

	clk.Add(10 * time.Second)
	assert.False(t, tbl.IsBlocked("a"))
	tbl.Success("a")

	assert.Equal(t, []change{
		{"a", Closed, Open},
		{"a", Open, HalfOpen},
		{"a", HalfOpen, Closed},
	}, changes)
	assert.Empty(t, tbl.Snapshot(), "closed breakers are dropped")
	assert.Equal(t, Closed, tbl.State("a"))
}

func TestTableSnapshot(t *testing.T) {
	tbl := NewTable(KindBlock, testConfig(), clock.NewMock())
	tbl.Failure("y")
	tbl.Failure("x")
	snap := tbl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "x", snap[0].Key)
	assert.Equal(t, "closed", snap[0].State)
	assert.EqualValues(t, 1, snap[0].Failures)

	tbl.Remove("x")
	assert.Len(t, tbl.Snapshot(), 1)
}

func TestTablePrunesIdleBreakers(t *testing.T) {
	clk := clock.NewMock()
	tbl := NewTable(KindBlock, testConfig(), clk)
	var changes []State
	tbl.OnStateChange(func(kind, key string, from, to State) {
		if key == "tripped" {
			changes = append(changes, to)
		}
	})

	tbl.Failure("once")
	for i := 0; i < 3; i++ {
		tbl.Failure("tripped")
	}
	require.Equal(t, 2, tbl.Len())

	assert.Zero(t, tbl.Prune(time.Minute), "recent failures are kept")

	clk.Add(5 * time.Second)
	tbl.Failure("recent")
	clk.Add(time.Minute - 5*time.Second)
	assert.Equal(t, 2, tbl.Prune(time.Minute))
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, Closed, tbl.State("tripped"))
	assert.Equal(t, []State{Open, Closed}, changes)

	// an open breaker survives pruning while it still blocks
	long := NewTable(KindPeer, Config{FailureThreshold: 1, ResetTimeout: time.Hour}, clk)
	long.Failure("p")
	clk.Add(2 * time.Minute)
	assert.Zero(t, long.Prune(time.Minute))
	assert.True(t, long.Blocked("p"))
}
