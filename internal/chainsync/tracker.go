// File: internal/chainsync/tracker.go
package chainsync

// ConfirmationTracker derives the confirmed horizon from the chain head.
// Everything at or below the horizon is treated as final; reorgs deeper than
// the configured depth are out of scope, so no undo machinery exists.
type ConfirmationTracker struct {
	confirmations uint64
}

func NewConfirmationTracker(confirmations uint64) *ConfirmationTracker {
	return &ConfirmationTracker{confirmations: confirmations}
}

// ConfirmedBlock returns the highest block considered final at the given
// head, clamped to zero while the chain is shorter than the required depth.
func (t *ConfirmationTracker) ConfirmedBlock(head uint64) uint64 {
	if head < t.confirmations {
		return 0
	}
	return head - t.confirmations
}
