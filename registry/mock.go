package registry

import (
	"context"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRegistry mocks the interfaces.Registry interface
type MockRegistry struct {
	mock.Mock
}

// CreateChip mocks the CreateChip method
func (m *MockRegistry) CreateChip(ctx context.Context, chip *interfaces.RfidChip) error {
	args := m.Called(ctx, chip)
	return args.Error(0)
}

// GetChip mocks the GetChip method
func (m *MockRegistry) GetChip(ctx context.Context, chipID interfaces.ChipID) (*interfaces.RfidChip, error) {
	args := m.Called(ctx, chipID)
	chip, _ := args.Get(0).(*interfaces.RfidChip)
	return chip, args.Error(1)
}

// GetChipByUid mocks the GetChipByUid method
func (m *MockRegistry) GetChipByUid(ctx context.Context, uid interfaces.Uid) (*interfaces.RfidChip, error) {
	args := m.Called(ctx, uid)
	chip, _ := args.Get(0).(*interfaces.RfidChip)
	return chip, args.Error(1)
}

// NextUnboundChip mocks the NextUnboundChip method
func (m *MockRegistry) NextUnboundChip(ctx context.Context, status interfaces.ChipStatus) (*interfaces.RfidChip, error) {
	args := m.Called(ctx, status)
	chip, _ := args.Get(0).(*interfaces.RfidChip)
	return chip, args.Error(1)
}

// UpdateChip mocks the UpdateChip method
func (m *MockRegistry) UpdateChip(ctx context.Context, chipID interfaces.ChipID, fn func(*interfaces.RfidChip) error) error {
	args := m.Called(ctx, chipID, fn)
	return args.Error(0)
}

// ApplyTransition mocks the ApplyTransition method
func (m *MockRegistry) ApplyTransition(ctx context.Context, chipID interfaces.ChipID, entry interfaces.StatusHistoryEntry, mutate func(*interfaces.RfidChip) error) error {
	args := m.Called(ctx, chipID, entry, mutate)
	return args.Error(0)
}

// ListChipsByCustomer mocks the ListChipsByCustomer method
func (m *MockRegistry) ListChipsByCustomer(ctx context.Context, customerID string) ([]*interfaces.RfidChip, error) {
	args := m.Called(ctx, customerID)
	chips, _ := args.Get(0).([]*interfaces.RfidChip)
	return chips, args.Error(1)
}

// CountUnassignedStock mocks the CountUnassignedStock method
func (m *MockRegistry) CountUnassignedStock(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// CountAssignedChips mocks the CountAssignedChips method
func (m *MockRegistry) CountAssignedChips(ctx context.Context, orderID string) (int, error) {
	args := m.Called(ctx, orderID)
	return args.Int(0), args.Error(1)
}

// NextChipSequence mocks the NextChipSequence method
func (m *MockRegistry) NextChipSequence(ctx context.Context, prefix string) (int, error) {
	args := m.Called(ctx, prefix)
	return args.Int(0), args.Error(1)
}

// CreateOrder mocks the CreateOrder method
func (m *MockRegistry) CreateOrder(ctx context.Context, order *interfaces.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

// GetOrder mocks the GetOrder method
func (m *MockRegistry) GetOrder(ctx context.Context, orderID string) (*interfaces.Order, error) {
	args := m.Called(ctx, orderID)
	order, _ := args.Get(0).(*interfaces.Order)
	return order, args.Error(1)
}

// UpdateOrder mocks the UpdateOrder method
func (m *MockRegistry) UpdateOrder(ctx context.Context, orderID string, fn func(*interfaces.Order) error) error {
	args := m.Called(ctx, orderID, fn)
	return args.Error(0)
}

// ListReservedOrders mocks the ListReservedOrders method
func (m *MockRegistry) ListReservedOrders(ctx context.Context) ([]*interfaces.Order, error) {
	args := m.Called(ctx)
	orders, _ := args.Get(0).([]*interfaces.Order)
	return orders, args.Error(1)
}

// RecordVerification mocks the RecordVerification method
func (m *MockRegistry) RecordVerification(ctx context.Context, event *interfaces.VerificationEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// ListVerifications mocks the ListVerifications method
func (m *MockRegistry) ListVerifications(ctx context.Context, since time.Time) ([]*interfaces.VerificationEvent, error) {
	args := m.Called(ctx, since)
	events, _ := args.Get(0).([]*interfaces.VerificationEvent)
	return events, args.Error(1)
}
