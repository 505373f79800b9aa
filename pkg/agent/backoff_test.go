package agent

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestTickerJitterBounds(t *testing.T) {
	tk := newTicker(5 * time.Minute)

	for i := 0; i < 1000; i++ {
		pause := tk.next()
		assert.Assert(t, pause >= 225*time.Second, "pause %s below -25%% bound", pause)
		assert.Assert(t, pause <= 375*time.Second, "pause %s above +25%% bound", pause)
	}
}

func TestTickerBackoffDoubles(t *testing.T) {
	tk := newTicker(time.Minute)

	tk.failure()
	pause1 := tk.next()
	assert.Assert(t, pause1 >= 90*time.Second && pause1 <= 150*time.Second, "got %s", pause1)

	tk.failure()
	pause2 := tk.next()
	assert.Assert(t, pause2 >= 3*time.Minute && pause2 <= 5*time.Minute, "got %s", pause2)
}

func TestTickerBackoffCapped(t *testing.T) {
	// Small base: the one-hour floor of the ceiling dominates.
	tk := newTicker(time.Minute)
	for i := 0; i < 100; i++ {
		tk.failure()
	}
	pause := tk.next()
	assert.Assert(t, pause <= 75*time.Minute, "got %s", pause)
	assert.Assert(t, pause >= 45*time.Minute, "got %s", pause)

	// Large base: capped at 8x the baseline.
	tk = newTicker(30 * time.Minute)
	for i := 0; i < 100; i++ {
		tk.failure()
	}
	pause = tk.next()
	assert.Assert(t, pause <= 300*time.Minute, "got %s", pause)
	assert.Assert(t, pause >= 180*time.Minute, "got %s", pause)
}

func TestBackoffCeilingFormula(t *testing.T) {
	// The ceiling is max(8 * base, 1h).
	assert.Equal(t, time.Hour, backoffCeiling(time.Minute))
	assert.Equal(t, time.Hour, backoffCeiling(5*time.Minute))
	assert.Equal(t, 80*time.Minute, backoffCeiling(10*time.Minute))
	assert.Equal(t, 4*time.Hour, backoffCeiling(30*time.Minute))
}

func TestTickerSuccessResets(t *testing.T) {
	tk := newTicker(time.Minute)

	tk.failure()
	tk.failure()
	tk.success()

	pause := tk.next()
	assert.Assert(t, pause >= 45*time.Second && pause <= 75*time.Second, "got %s", pause)
}
