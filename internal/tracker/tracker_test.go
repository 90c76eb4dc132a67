package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSampleSeedsAverage(t *testing.T) {
	tr := New(0.25)

	avg, ok := tr.Observe("ibeacon/x/1/2", -60)
	require.True(t, ok)
	assert.Equal(t, -60.0, avg)
}

func TestSamplesAreSmoothed(t *testing.T) {
	tr := New(0.5)

	tr.Observe("k", -60)
	avg, ok := tr.Observe("k", -70)
	require.True(t, ok)
	assert.Equal(t, -65.0, avg)

	avg, ok = tr.Observe("k", -65)
	require.True(t, ok)
	assert.Equal(t, -65.0, avg)
}

func TestZeroSamplesAreDiscarded(t *testing.T) {
	tr := New(0.5)

	_, ok := tr.Observe("k", 0)
	assert.False(t, ok)
	_, ok = tr.Average("k")
	assert.False(t, ok)

	tr.Observe("k", -60)
	_, ok = tr.Observe("k", 0)
	assert.False(t, ok)

	avg, ok := tr.Average("k")
	require.True(t, ok)
	assert.Equal(t, -60.0, avg)
}

func TestKeysAreIndependent(t *testing.T) {
	tr := New(0.5)

	tr.Observe("a", -40)
	tr.Observe("b", -80)

	avgA, _ := tr.Average("a")
	avgB, _ := tr.Average("b")
	assert.Equal(t, -40.0, avgA)
	assert.Equal(t, -80.0, avgB)
}

func TestForgetAndReset(t *testing.T) {
	tr := New(0.5)

	tr.Observe("a", -40)
	tr.Observe("b", -80)

	tr.Forget("a")
	_, ok := tr.Average("a")
	assert.False(t, ok)
	_, ok = tr.Average("b")
	assert.True(t, ok)

	tr.Reset()
	_, ok = tr.Average("b")
	assert.False(t, ok)
}

func TestInvalidAlphaFallsBack(t *testing.T) {
	tr := New(0)
	assert.Equal(t, defaultAlpha, tr.alpha)

	tr = New(1.5)
	assert.Equal(t, defaultAlpha, tr.alpha)
}

func TestConcurrentObserve(t *testing.T) {
	tr := New(0.25)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Observe("k", -60)
			}
		}()
	}
	wg.Wait()

	avg, ok := tr.Average("k")
	require.True(t, ok)
	assert.Equal(t, -60.0, avg)
}
