// Package clients holds the key custodian client for the master secret
// bootstrap API. Requests are signed with the custodian's ECDSA key, and
// shares fetched during generation are decrypted locally.
package clients
