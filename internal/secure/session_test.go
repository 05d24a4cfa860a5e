package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplayWindow(t *testing.T) {
	var w replayWindow

	assert.True(t, w.accept(5))
	w.mark(5)
	assert.False(t, w.accept(5))
	assert.True(t, w.accept(3), "older but unseen")
	w.mark(3)
	assert.False(t, w.accept(3))

	w.mark(5 + replayWindowSize)
	assert.False(t, w.accept(4), "fell out of the window")
	assert.False(t, w.accept(5))
	assert.True(t, w.accept(6))
	assert.False(t, w.accept(5+replayWindowSize))

	w.mark(1000)
	assert.True(t, w.accept(999))
	assert.False(t, w.accept(1000-replayWindowSize))
}
