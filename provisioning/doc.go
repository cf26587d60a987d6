// Package provisioning implements the server side of the chip subsystem.
//
// Service issues identity material to encoding stations
// (RequestEncodingParameters), confirms protected tags (CommitEncoding),
// activates chips from raw block reads submitted by mobile clients
// (ActivateChip) and serves per-customer whitelists for offline validation.
//
// Identity material is bound to a uid exactly once. Asking again for the same
// uid returns the stored chip id and salt, so a station that lost its
// connection mid-encode can resume without producing a second identity.
//
// Whitelists can be cached in Redis and published as content-addressed
// snapshots through a storage backend; the verification log can be exported
// the same way as an audit archive.
package provisioning
