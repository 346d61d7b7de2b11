package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWhenClosed(t *testing.T) {
	b := New("test", 3, 100*time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, StateClosed, b.State())
}

func TestTripsAtThreshold(t *testing.T) {
	b := New("test", 3, 100*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "below threshold the circuit stays closed")

	b.RecordFailure()
	assert.False(t, b.Allow())
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenAdmitsOneProbeAfterDuration(t *testing.T) {
	b := New("test", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	require.False(t, b.Allow())

	time.Sleep(60 * time.Millisecond)

	assert.True(t, b.Allow(), "elapsed open duration admits a probe")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe at a time")
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New("test", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestProbeFailureReopens(t *testing.T) {
	b := New("test", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("test", 3, 100*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	assert.True(t, b.Allow(), "counter was reset by the success")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
