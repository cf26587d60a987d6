// Package registry persists chip records, orders and verification events.
//
// MemoryRegistry keeps everything in process and backs tests and single-node
// deployments. GormRegistry stores the same data in MySQL through gorm; row
// updates run in a transaction holding SELECT ... FOR UPDATE on the affected
// row, so ApplyTransition's status compare-and-swap holds across instances.
//
// Chip ids are issued per month from a persistent sequence:
//
//	id, err := registry.NextChipID(ctx, store, time.Now()) // LC-2025-10-00001
//
// MockRegistry is a testify mock of interfaces.Registry for failure injection.
package registry
