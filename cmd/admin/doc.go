// Package main (cmd/admin) is the custodian client for the chip master secret bootstrap.
//
// The master secret every chip key is derived from is split with Shamir's
// Secret Sharing between custodians. Custodians authenticate to the server's
// admin API with ECDSA signatures and can only fetch or submit their own share.
//
// Commands:
//
//	status                  - Query the bootstrap state
//	generate-admin          - Generate a custodian key pair and print its id
//	generate-shamir-config  - Create shamir-admins.json from custodian public keys
//	init-generate-shares    - Generate a fresh master secret and split it
//	init-recovery           - Start recovery of an existing master secret
//	fetch-admin-share       - Fetch the custodian's share, stored encrypted to the custodian key
//	submit-admin-share      - Submit the share during recovery
//
// Example workflow:
//
//  1. Each custodian generates a key pair:
//     admin generate-admin --admin-privkey-file=c1-private.pem --admin-pubkey-file=c1-public.pem
//
//  2. The operator creates the custodian list and starts chipserver with it:
//     admin generate-shamir-config --admin-pubkey-files=c1-public.pem --admin-pubkey-files=c2-public.pem
//     chipserver --kms-type=shamir --shamirkms-admin-keys-file=shamir-admins.json
//
//  3. One custodian generates the secret, then every custodian fetches a share:
//     admin init-generate-shares
//     admin fetch-admin-share
//
//  4. After a restart, one custodian starts recovery and threshold custodians submit:
//     admin init-recovery
//     admin submit-admin-share --wait=5m
package main
