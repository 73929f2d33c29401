package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rpc = "chain_read"

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time         { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = clk.now
	return b, clk
}

func fail(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(rpc)
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
	assert.Equal(t, StateClosed, b.State("never-seen"))
	assert.True(t, b.Allow("never-seen"))
}

func TestBreaker_Lifecycle(t *testing.T) {
	b, clk := newBreaker(3, time.Minute)

	fail(b, 2)
	assert.True(t, b.Allow(rpc), "below threshold")

	fail(b, 1)
	assert.Equal(t, StateOpen, b.State(rpc))
	assert.False(t, b.Allow(rpc))

	clk.advance(59 * time.Second)
	assert.False(t, b.Allow(rpc), "still cooling down")

	clk.advance(time.Second)
	assert.True(t, b.Allow(rpc), "one probe after cooldown")
	assert.Equal(t, StateHalfOpen, b.State(rpc))
	assert.False(t, b.Allow(rpc), "only one probe at a time")

	b.RecordSuccess(rpc)
	assert.Equal(t, StateClosed, b.State(rpc))
	fail(b, 2)
	assert.True(t, b.Allow(rpc), "success reset the failure count")
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newBreaker(2, time.Minute)
	fail(b, 2)
	clk.advance(time.Minute)
	require.True(t, b.Allow(rpc))

	b.RecordFailure(rpc)
	assert.Equal(t, StateOpen, b.State(rpc))

	// The cooldown restarts from the failed probe.
	clk.advance(30 * time.Second)
	assert.False(t, b.Allow(rpc))
	clk.advance(30 * time.Second)
	assert.True(t, b.Allow(rpc))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newBreaker(1, time.Minute)
	b.RecordFailure("chain_read")
	assert.False(t, b.Allow("chain_read"))
	assert.True(t, b.Allow("chain_write"))

	b.RecordSuccess("unknown")
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clk := newBreaker(1, time.Second)
	got := make(chan [2]State, 4)
	b.OnTransition(func(key string, from, to State) {
		assert.Equal(t, rpc, key)
		got <- [2]State{from, to}
	})

	b.RecordFailure(rpc)
	clk.advance(time.Second)
	b.Allow(rpc)
	b.RecordSuccess(rpc)

	want := map[[2]State]bool{
		{StateClosed, StateOpen}:     true,
		{StateOpen, StateHalfOpen}:   true,
		{StateHalfOpen, StateClosed}: true,
	}
	// Callbacks run in their own goroutines, so order is not guaranteed.
	for range want {
		select {
		case tr := <-got:
			assert.True(t, want[tr], "unexpected transition %v", tr)
		case <-time.After(time.Second):
			t.Fatal("missing transition callback")
		}
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
