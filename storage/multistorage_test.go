package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock://" + m.name
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{name: "all backends available", backends: []bool{true, true, true}, expected: true},
		{name: "some backends available", backends: []bool{false, true, false}, expected: true},
		{name: "no backends available", backends: []bool{false, false, false}, expected: false},
		{name: "no backends", backends: []bool{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				m := &MockStorageBackend{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiStorageBackend(backends, discardLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	testData := []byte(`{"customer_id":"C-1"}`)
	testID := interfaces.ComputeID(testData)
	testErr := errors.New("connection reset")
	ct := interfaces.WhitelistSnapshotType

	tests := []struct {
		name        string
		setupMocks  func() []interfaces.StorageBackend
		expected    []byte
		expectedErr error
		anyErr      bool
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(true)
				a.On("Fetch", mock.Anything, testID, ct).Return(testData, nil)
				b := &MockStorageBackend{name: "b"}
				return []interfaces.StorageBackend{a, b}
			},
			expected: testData,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(true)
				a.On("Fetch", mock.Anything, testID, ct).Return(nil, testErr)
				b := &MockStorageBackend{name: "b"}
				b.On("Available", mock.Anything).Return(true)
				b.On("Fetch", mock.Anything, testID, ct).Return(testData, nil)
				return []interfaces.StorageBackend{a, b}
			},
			expected: testData,
		},
		{
			name: "missing everywhere is not found",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(true)
				a.On("Fetch", mock.Anything, testID, ct).Return(nil, interfaces.ErrContentNotFound)
				b := &MockStorageBackend{name: "b"}
				b.On("Available", mock.Anything).Return(true)
				b.On("Fetch", mock.Anything, testID, ct).Return(nil, interfaces.ErrContentNotFound)
				return []interfaces.StorageBackend{a, b}
			},
			expectedErr: interfaces.ErrContentNotFound,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(true)
				a.On("Fetch", mock.Anything, testID, ct).Return(nil, testErr)
				b := &MockStorageBackend{name: "b"}
				b.On("Available", mock.Anything).Return(true)
				b.On("Fetch", mock.Anything, testID, ct).Return(nil, interfaces.ErrContentNotFound)
				return []interfaces.StorageBackend{a, b}
			},
			expectedErr: testErr,
		},
		{
			name: "nothing available",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(false)
				return []interfaces.StorageBackend{a}
			},
			expectedErr: interfaces.ErrBackendUnavailable,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(false)
				b := &MockStorageBackend{name: "b"}
				b.On("Available", mock.Anything).Return(true)
				b.On("Fetch", mock.Anything, testID, ct).Return(testData, nil)
				return []interfaces.StorageBackend{a, b}
			},
			expected: testData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, discardLogger())

			data, err := multi.Fetch(context.Background(), testID, ct)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expected, data)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	testData := []byte(`{"customer_id":"C-1"}`)
	testID := interfaces.ComputeID(testData)
	testErr := errors.New("access denied")
	ct := interfaces.AuditArchiveType

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.StorageBackend
		expectedError bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(true)
				a.On("Store", mock.Anything, testData, ct).Return(testID, nil)
				b := &MockStorageBackend{name: "b"}
				b.On("Available", mock.Anything).Return(true)
				b.On("Store", mock.Anything, testData, ct).Return(testID, nil)
				return []interfaces.StorageBackend{a, b}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(true)
				a.On("Store", mock.Anything, testData, ct).Return(interfaces.ContentID{}, testErr)
				b := &MockStorageBackend{name: "b"}
				b.On("Available", mock.Anything).Return(true)
				b.On("Store", mock.Anything, testData, ct).Return(testID, nil)
				return []interfaces.StorageBackend{a, b}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(true)
				a.On("Store", mock.Anything, testData, ct).Return(interfaces.ContentID{}, testErr)
				return []interfaces.StorageBackend{a}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				a := &MockStorageBackend{name: "a"}
				a.On("Available", mock.Anything).Return(false)
				b := &MockStorageBackend{name: "b"}
				b.On("Available", mock.Anything).Return(true)
				b.On("Store", mock.Anything, testData, ct).Return(testID, nil)
				return []interfaces.StorageBackend{a, b}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, discardLogger())

			id, err := multi.Store(context.Background(), testData, ct)
			if tt.expectedError {
				assert.ErrorIs(t, err, testErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, testID, id)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_LocationURI(t *testing.T) {
	multi := NewMultiStorageBackend([]interfaces.StorageBackend{
		&MockStorageBackend{name: "a"},
		&MockStorageBackend{name: "b"},
	}, nil)
	assert.Equal(t, "multi:[mock://a,mock://b]", multi.LocationURI())
}
