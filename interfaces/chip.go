package interfaces

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// ChipStatus is the closed set of lifecycle states of a chip record.
type ChipStatus uint8

const (
	StatusUnknown ChipStatus = iota
	StatusEnStock
	StatusEnTransit
	StatusEnAtelier
	StatusInactive
	StatusEnLivraison
	StatusLivree
	StatusActive
	StatusRetourSAV
	StatusReceptionSAV
	StatusRemplacee
	StatusArchivee
)

var chipStatusNames = map[ChipStatus]string{
	StatusEnStock:      "EN_STOCK",
	StatusEnTransit:    "EN_TRANSIT",
	StatusEnAtelier:    "EN_ATELIER",
	StatusInactive:     "INACTIVE",
	StatusEnLivraison:  "EN_LIVRAISON",
	StatusLivree:       "LIVREE",
	StatusActive:       "ACTIVE",
	StatusRetourSAV:    "RETOUR_SAV",
	StatusReceptionSAV: "RECEPTION_SAV",
	StatusRemplacee:    "REMPLACEE",
	StatusArchivee:     "ARCHIVEE",
}

// AllChipStatuses lists every valid status in lifecycle order.
func AllChipStatuses() []ChipStatus {
	return []ChipStatus{
		StatusEnStock, StatusEnTransit, StatusEnAtelier, StatusInactive, StatusEnLivraison,
		StatusLivree, StatusActive, StatusRetourSAV, StatusReceptionSAV, StatusRemplacee, StatusArchivee,
	}
}

func ParseChipStatus(raw string) (ChipStatus, error) {
	for s, name := range chipStatusNames {
		if name == raw {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown chip status %q", raw)
}

func (s ChipStatus) String() string {
	if name, ok := chipStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s ChipStatus) Valid() bool {
	_, ok := chipStatusNames[s]
	return ok
}

// InUnassignedPool reports whether a chip in this status counts as physical
// stock that can still be promised to an order.
func (s ChipStatus) InUnassignedPool() bool {
	switch s {
	case StatusEnStock, StatusEnTransit, StatusEnAtelier, StatusInactive:
		return true
	}
	return false
}

func (s ChipStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid chip status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *ChipStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseChipStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the status by name so database rows stay readable.
func (s ChipStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *ChipStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into ChipStatus", src)
	}
}

// StatusHistoryEntry records one lifecycle transition. Entries are append-only.
type StatusHistoryEntry struct {
	FromStatus ChipStatus `json:"from_status"`
	ToStatus   ChipStatus `json:"to_status"`
	ChangedBy  string     `json:"changed_by"`
	Timestamp  time.Time  `json:"timestamp"`
	Notes      string     `json:"notes,omitempty"`
}

// RfidChip is the server-side record of one physical tag.
type RfidChip struct {
	ID             string               `json:"id"`
	ChipID         ChipID               `json:"chip_id"`
	Uid            Uid                  `json:"uid,omitempty"`
	Salt           Salt                 `json:"-"`
	Checksum       Checksum             `json:"checksum"`
	CustomerID     *string              `json:"customer_id,omitempty"`
	OrderID        *string              `json:"order_id,omitempty"`
	PackagingCode  string               `json:"packaging_code,omitempty"`
	Status         ChipStatus           `json:"status"`
	ControlPointID *string              `json:"control_point_id,omitempty"`
	ActivationDate *time.Time           `json:"activation_date,omitempty"`
	ReplacedBy     *ChipID              `json:"replaced_by,omitempty"`
	StatusHistory  []StatusHistoryEntry `json:"status_history"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// IsEncoded reports whether identity material has been bound to the record.
func (c *RfidChip) IsEncoded() bool {
	return len(c.Uid) > 0 && !c.Checksum.IsZero()
}

// Clone returns a deep copy so stores never hand out shared state.
func (c *RfidChip) Clone() *RfidChip {
	cp := *c
	cp.Uid = append(Uid(nil), c.Uid...)
	cp.StatusHistory = append([]StatusHistoryEntry(nil), c.StatusHistory...)
	if c.CustomerID != nil {
		v := *c.CustomerID
		cp.CustomerID = &v
	}
	if c.OrderID != nil {
		v := *c.OrderID
		cp.OrderID = &v
	}
	if c.ControlPointID != nil {
		v := *c.ControlPointID
		cp.ControlPointID = &v
	}
	if c.ActivationDate != nil {
		v := *c.ActivationDate
		cp.ActivationDate = &v
	}
	if c.ReplacedBy != nil {
		v := *c.ReplacedBy
		cp.ReplacedBy = &v
	}
	return &cp
}

// Order is the stock reservation view of a customer order.
type Order struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customer_id"`
	ChipsQuantity   int        `json:"chips_quantity"`
	IsStockReserved bool       `json:"is_stock_reserved"`
	PreparedAt      *time.Time `json:"prepared_at,omitempty"`
	Cancelled       bool       `json:"cancelled"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// WhitelistEntry is one activated binding cached by offline mobile clients.
type WhitelistEntry struct {
	ChipID         ChipID     `json:"chip_id"`
	ControlPointID string     `json:"control_point_id"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	Status         ChipStatus `json:"status"`
}

// EncodingParameters is the identity material a station writes to a blank tag.
type EncodingParameters struct {
	ChipID   ChipID   `json:"chip_id"`
	Uid      Uid      `json:"uid"`
	Salt     Salt     `json:"salt"`
	Checksum Checksum `json:"checksum"`
	ChipKey  ChipKey  `json:"chip_key"`
}

// VerificationOutcome categorises the result of verifying a presented tag.
type VerificationOutcome string

const (
	VerifyAccepted             VerificationOutcome = "accepted"
	VerifyAuthenticationFailed VerificationOutcome = "authentication_failed"
	VerifyChecksumMismatch     VerificationOutcome = "checksum_mismatch"
	VerifyIdentityMismatch     VerificationOutcome = "identity_mismatch"
	VerifyUnknownChip          VerificationOutcome = "unknown_chip"
)

// Category is the forensic label logged for a rejected verification.
func (o VerificationOutcome) Category() string {
	switch o {
	case VerifyAuthenticationFailed:
		return "possible_clone"
	case VerifyChecksumMismatch:
		return "possible_corruption"
	case VerifyIdentityMismatch:
		return "identity_mismatch"
	case VerifyUnknownChip:
		return "unknown_chip"
	default:
		return ""
	}
}

// VerificationEvent is persisted for every server-side verification attempt.
type VerificationEvent struct {
	ID         string              `json:"id"`
	ChipID     ChipID              `json:"chip_id"`
	Uid        Uid                 `json:"uid"`
	Outcome    VerificationOutcome `json:"outcome"`
	Source     string              `json:"source"`
	Actor      string              `json:"actor"`
	Detail     string              `json:"detail,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}
