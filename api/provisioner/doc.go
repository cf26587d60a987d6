// Package provisioner exposes the chip provisioning service over HTTP.
//
// Encoding stations request identity material for blank tags and commit
// completed encodings. Mobile clients submit block reads for activation and
// download the whitelist of activated bindings for offline verification.
// Back-office tooling drives lifecycle transitions, replacements, stock
// registration and publishing of snapshots to the storage backends.
//
// ProvisioningClient is the station-side client. It implements the identity
// issuer used by the mifare encoder, so a station can encode tags against a
// remote backend.
package provisioner
