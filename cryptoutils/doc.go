// Package cryptoutils holds the cryptographic primitives of the backend: the
// chip checksum service, master secret derivation, and the ECIES and ECDSA
// helpers used to hand master secret shares to key custodians.
package cryptoutils
