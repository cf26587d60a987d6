// Package lifecycle owns the chip status state machine. No other package
// changes interfaces.RfidChip.Status; field updates that must accompany a
// status change go through Machine.TransitionWith.
package lifecycle
