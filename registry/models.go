package registry

import (
	"fmt"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

type chipModel struct {
	ID             string         `gorm:"primaryKey;size:36"`
	ChipID         string         `gorm:"uniqueIndex;size:16;not null"`
	Uid            *string        `gorm:"uniqueIndex;size:20"`
	Salt           []byte         `gorm:"type:varbinary(16)"`
	Checksum       []byte         `gorm:"type:varbinary(16)"`
	CustomerID     *string        `gorm:"index;size:64"`
	OrderID        *string        `gorm:"index;size:64"`
	PackagingCode  string         `gorm:"size:64"`
	Status         string         `gorm:"index;size:32;not null"`
	ControlPointID *string        `gorm:"size:64"`
	ActivationDate *time.Time     `gorm:"default:null"`
	ReplacedBy     *string        `gorm:"size:16"`
	History        []historyModel `gorm:"foreignKey:ChipRef;references:ID"`
	CreatedAt      time.Time      `gorm:"index"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime"`
}

func (chipModel) TableName() string { return "rfid_chips" }

type historyModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ChipRef    string `gorm:"index;size:36;not null"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32"`
	ChangedBy  string `gorm:"size:128"`
	Notes      string `gorm:"type:text"`
	Timestamp  time.Time
}

func (historyModel) TableName() string { return "rfid_chip_status_history" }

type orderModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	CustomerID      string `gorm:"index;size:64"`
	ChipsQuantity   int
	IsStockReserved bool `gorm:"index"`
	PreparedAt      *time.Time
	Cancelled       bool
	CancelledAt     *time.Time
	CreatedAt       time.Time
}

func (orderModel) TableName() string { return "rfid_orders" }

type verificationModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	ChipID     string    `gorm:"index;size:16"`
	Uid        string    `gorm:"size:20"`
	Outcome    string    `gorm:"size:32"`
	Source     string    `gorm:"size:32"`
	Actor      string    `gorm:"size:128"`
	Detail     string    `gorm:"type:text"`
	OccurredAt time.Time `gorm:"index"`
}

func (verificationModel) TableName() string { return "rfid_verification_events" }

type sequenceModel struct {
	Prefix string `gorm:"primaryKey;size:16"`
	Value  int
}

func (sequenceModel) TableName() string { return "rfid_chip_sequences" }

func optionalString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func chipToModel(c *interfaces.RfidChip) *chipModel {
	m := &chipModel{
		ID:             c.ID,
		ChipID:         c.ChipID.String(),
		CustomerID:     optionalString(c.CustomerID),
		OrderID:        optionalString(c.OrderID),
		PackagingCode:  c.PackagingCode,
		Status:         c.Status.String(),
		ControlPointID: optionalString(c.ControlPointID),
		ActivationDate: c.ActivationDate,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if len(c.Uid) > 0 {
		uid := c.Uid.String()
		m.Uid = &uid
	}
	if !c.Salt.IsZero() {
		m.Salt = append([]byte(nil), c.Salt[:]...)
	}
	if !c.Checksum.IsZero() {
		m.Checksum = append([]byte(nil), c.Checksum[:]...)
	}
	if c.ReplacedBy != nil {
		replaced := c.ReplacedBy.String()
		m.ReplacedBy = &replaced
	}
	return m
}

func chipFromModel(m *chipModel) (*interfaces.RfidChip, error) {
	status, err := interfaces.ParseChipStatus(m.Status)
	if err != nil {
		return nil, err
	}

	c := &interfaces.RfidChip{
		ID:             m.ID,
		ChipID:         interfaces.ChipID(m.ChipID),
		CustomerID:     optionalString(m.CustomerID),
		OrderID:        optionalString(m.OrderID),
		PackagingCode:  m.PackagingCode,
		Status:         status,
		ControlPointID: optionalString(m.ControlPointID),
		ActivationDate: m.ActivationDate,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.Uid != nil {
		if c.Uid, err = interfaces.NewUidFromHex(*m.Uid); err != nil {
			return nil, fmt.Errorf("chip %s: %w", m.ChipID, err)
		}
	}
	if len(m.Salt) > 0 {
		if c.Salt, err = interfaces.NewSaltFromBytes(m.Salt); err != nil {
			return nil, fmt.Errorf("chip %s: %w", m.ChipID, err)
		}
	}
	if len(m.Checksum) > 0 {
		if c.Checksum, err = interfaces.NewChecksumFromBytes(m.Checksum); err != nil {
			return nil, fmt.Errorf("chip %s: %w", m.ChipID, err)
		}
	}
	if m.ReplacedBy != nil {
		replaced := interfaces.ChipID(*m.ReplacedBy)
		c.ReplacedBy = &replaced
	}
	for _, h := range m.History {
		entry, err := historyFromModel(&h)
		if err != nil {
			return nil, fmt.Errorf("chip %s: %w", m.ChipID, err)
		}
		c.StatusHistory = append(c.StatusHistory, entry)
	}
	return c, nil
}

func historyToModel(chipRef string, e interfaces.StatusHistoryEntry) *historyModel {
	return &historyModel{
		ChipRef:    chipRef,
		FromStatus: e.FromStatus.String(),
		ToStatus:   e.ToStatus.String(),
		ChangedBy:  e.ChangedBy,
		Notes:      e.Notes,
		Timestamp:  e.Timestamp,
	}
}

func historyFromModel(m *historyModel) (interfaces.StatusHistoryEntry, error) {
	from, err := interfaces.ParseChipStatus(m.FromStatus)
	if err != nil {
		return interfaces.StatusHistoryEntry{}, err
	}
	to, err := interfaces.ParseChipStatus(m.ToStatus)
	if err != nil {
		return interfaces.StatusHistoryEntry{}, err
	}
	return interfaces.StatusHistoryEntry{
		FromStatus: from,
		ToStatus:   to,
		ChangedBy:  m.ChangedBy,
		Timestamp:  m.Timestamp,
		Notes:      m.Notes,
	}, nil
}

func orderToModel(o *interfaces.Order) *orderModel {
	return &orderModel{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		ChipsQuantity:   o.ChipsQuantity,
		IsStockReserved: o.IsStockReserved,
		PreparedAt:      o.PreparedAt,
		Cancelled:       o.Cancelled,
		CancelledAt:     o.CancelledAt,
		CreatedAt:       o.CreatedAt,
	}
}

func orderFromModel(m *orderModel) *interfaces.Order {
	return &interfaces.Order{
		ID:              m.ID,
		CustomerID:      m.CustomerID,
		ChipsQuantity:   m.ChipsQuantity,
		IsStockReserved: m.IsStockReserved,
		PreparedAt:      m.PreparedAt,
		Cancelled:       m.Cancelled,
		CancelledAt:     m.CancelledAt,
		CreatedAt:       m.CreatedAt,
	}
}

func verificationToModel(e *interfaces.VerificationEvent) *verificationModel {
	return &verificationModel{
		ID:         e.ID,
		ChipID:     e.ChipID.String(),
		Uid:        e.Uid.String(),
		Outcome:    string(e.Outcome),
		Source:     e.Source,
		Actor:      e.Actor,
		Detail:     e.Detail,
		OccurredAt: e.OccurredAt,
	}
}

func verificationFromModel(m *verificationModel) *interfaces.VerificationEvent {
	e := &interfaces.VerificationEvent{
		ID:         m.ID,
		ChipID:     interfaces.ChipID(m.ChipID),
		Outcome:    interfaces.VerificationOutcome(m.Outcome),
		Source:     m.Source,
		Actor:      m.Actor,
		Detail:     m.Detail,
		OccurredAt: m.OccurredAt,
	}
	if uid, err := interfaces.NewUidFromHex(m.Uid); err == nil {
		e.Uid = uid
	}
	return e
}
