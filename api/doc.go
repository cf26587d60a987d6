// Package api holds what the HTTP handlers and clients share: wire types,
// request decoding and validation, the mapping of domain errors to status
// codes, rate limiting and the server configuration.
//
// Handlers live in subpackages and register themselves on a chi router:
//
//   - provisioner: station and mobile endpoints, chip lifecycle and stock registration
//   - fulfilment: order reservations against the chip stock
//   - shamirkms: master secret bootstrap by key custodians
package api
