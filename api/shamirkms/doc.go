// Package shamirkms bootstraps the chip master secret with Shamir's Secret
// Sharing.
//
// On first start a custodian calls /admin/init/generate. The server generates
// the master secret, splits it into one share per registered custodian and
// encrypts each share to that custodian's public key. Bootstrap completes once
// every custodian has fetched their share.
//
// After a restart a custodian calls /admin/init/recover and custodians submit
// their decrypted, signed shares until the threshold is reached.
//
// Every admin request carries X-Admin-ID and X-Admin-Signature headers. The
// signature is ECDSA over SHA-256 of the request path followed by the body.
//
// Until bootstrap completes the handler, used as the provisioning service's
// key provider, reports the master secret as missing.
package shamirkms
