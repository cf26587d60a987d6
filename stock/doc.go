// Package stock prevents promising more chips than physically exist.
//
// The pool is every chip without an order whose status is EN_STOCK,
// EN_TRANSIT, EN_ATELIER or INACTIVE. Availability is the pool minus, for each
// reserved and non-cancelled order, the part of its quantity not yet covered by
// assigned chips. Reservations, releases and assignments all run under one
// Locker: MutexLocker in a single process, RedisLocker when several replicas
// share the database.
package stock
