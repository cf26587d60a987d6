package lifecycle

import (
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// guard returns the violated rule, or "" when the transition may proceed. It
// sees the chip after the caller's field updates.
type guard func(chip *interfaces.RfidChip, notes string) string

type edge struct {
	to    interfaces.ChipStatus
	guard guard
}

func requireEncoded(chip *interfaces.RfidChip, _ string) string {
	if !chip.IsEncoded() {
		return "chip must be encoded with a checksum before leaving the workshop"
	}
	return ""
}

func requireOrder(chip *interfaces.RfidChip, _ string) string {
	if chip.OrderID == nil || *chip.OrderID == "" {
		return "chip must be assigned to an order before delivery"
	}
	return ""
}

// requireAssigned keeps unassigned chips in the stock pool; they may only
// leave it through the stock ledger.
func requireAssigned(chip *interfaces.RfidChip, _ string) string {
	if chip.OrderID == nil || *chip.OrderID == "" {
		return "after-sales returns apply to chips assigned to an order"
	}
	return ""
}

func requireControlPoint(chip *interfaces.RfidChip, _ string) string {
	if chip.ControlPointID == nil || *chip.ControlPointID == "" {
		return "activation requires a control point"
	}
	return ""
}

func requireReplacement(chip *interfaces.RfidChip, _ string) string {
	if chip.ReplacedBy == nil || *chip.ReplacedBy == "" {
		return "replacement requires a reference to the new chip"
	}
	return ""
}

func requireNotes(_ *interfaces.RfidChip, notes string) string {
	if notes == "" {
		return "archiving a replaced chip requires a reason"
	}
	return ""
}

// transitions is the complete adjacency table. Statuses absent from the map
// have no outgoing transitions.
var transitions = map[interfaces.ChipStatus][]edge{
	interfaces.StatusEnStock:   {{to: interfaces.StatusEnTransit}},
	interfaces.StatusEnTransit: {{to: interfaces.StatusEnAtelier}},
	interfaces.StatusEnAtelier: {{to: interfaces.StatusInactive, guard: requireEncoded}},
	interfaces.StatusInactive: {
		{to: interfaces.StatusEnLivraison, guard: requireOrder},
		{to: interfaces.StatusRetourSAV, guard: requireAssigned},
	},
	interfaces.StatusEnLivraison: {
		{to: interfaces.StatusLivree},
		{to: interfaces.StatusRetourSAV},
	},
	interfaces.StatusLivree: {
		{to: interfaces.StatusActive, guard: requireControlPoint},
		{to: interfaces.StatusRetourSAV},
	},
	interfaces.StatusActive:       {{to: interfaces.StatusRetourSAV}},
	interfaces.StatusRetourSAV:    {{to: interfaces.StatusReceptionSAV}},
	interfaces.StatusReceptionSAV: {{to: interfaces.StatusRemplacee, guard: requireReplacement}},
	interfaces.StatusRemplacee:    {{to: interfaces.StatusArchivee, guard: requireNotes}},
}

func findEdge(from, to interfaces.ChipStatus) (edge, bool) {
	for _, e := range transitions[from] {
		if e.to == to {
			return e, true
		}
	}
	return edge{}, false
}

// Allowed reports whether the adjacency table contains from -> to.
func Allowed(from, to interfaces.ChipStatus) bool {
	_, ok := findEdge(from, to)
	return ok
}

// Targets lists the statuses reachable from in one step.
func Targets(from interfaces.ChipStatus) []interfaces.ChipStatus {
	var out []interfaces.ChipStatus
	for _, e := range transitions[from] {
		out = append(out, e.to)
	}
	return out
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status interfaces.ChipStatus) bool {
	return len(transitions[status]) == 0
}

// adjacencyRule names why from -> to is not in the table.
func adjacencyRule(from, to interfaces.ChipStatus) string {
	switch {
	case !to.Valid():
		return "unknown target status"
	case from == interfaces.StatusArchivee && to == interfaces.StatusActive:
		return "cannot reactivate an archived chip"
	case IsTerminal(from):
		return from.String() + " is terminal"
	case from == to:
		return "chip is already " + to.String()
	default:
		return "transition not in lifecycle table"
	}
}
