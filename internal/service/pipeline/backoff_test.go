package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExtendsNeverShortens(t *testing.T) {
	clk := newFakeClock()
	start := clk.Now()
	var changes []BackoffState
	b := NewBackoff(time.Minute, clk.Now, func(s BackoffState) { changes = append(changes, s) })

	assert.Equal(t, StateNormal, b.State())
	assert.Zero(t, b.Remaining())

	until := b.Trip()
	assert.Equal(t, start.Add(time.Minute), until)
	assert.Equal(t, StateBackoff, b.State())

	clk.now = start.Add(30 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), b.Trip(), "a later trip moves the deadline")
	assert.Equal(t, time.Minute, b.Remaining())

	short := NewBackoff(time.Second, clk.Now, nil)
	short.Trip()
	short.duration = 0
	assert.Equal(t, clk.Now().Add(time.Second), short.Trip(), "an earlier deadline never wins")

	clk.now = start.Add(90 * time.Second)
	assert.Zero(t, b.Remaining())
	assert.Equal(t, StateNormal, b.State())
	assert.True(t, b.Until().IsZero())

	assert.Equal(t, []BackoffState{StateBackoff, StateNormal}, changes)
}

func TestBackoffReset(t *testing.T) {
	clk := newFakeClock()
	b := NewBackoff(time.Minute, clk.Now, nil)
	b.Trip()
	b.Reset()
	assert.Equal(t, StateNormal, b.State())
	assert.Zero(t, b.Remaining())
	assert.Equal(t, "normal", b.State().String())
}
