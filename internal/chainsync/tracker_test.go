// File: internal/chainsync/tracker_test.go
package chainsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfirmedBlock(t *testing.T) {
	tracker := NewConfirmationTracker(10)

	assert.Equal(t, uint64(0), tracker.ConfirmedBlock(0))
	assert.Equal(t, uint64(0), tracker.ConfirmedBlock(9))
	assert.Equal(t, uint64(0), tracker.ConfirmedBlock(10))
	assert.Equal(t, uint64(1), tracker.ConfirmedBlock(11))
	assert.Equal(t, uint64(990), tracker.ConfirmedBlock(1000))
}

func TestConfirmedBlockZeroDepth(t *testing.T) {
	tracker := NewConfirmationTracker(0)
	assert.Equal(t, uint64(55), tracker.ConfirmedBlock(55))
}
