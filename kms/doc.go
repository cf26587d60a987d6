// Package kms derives per-chip Mifare keys and keeps custody of the master
// secret they are derived from.
//
// # ChipKMS
//
// ChipKMS derives the 6-byte sector key of a chip as the first 6 bytes of
// SHA-256(chipID || masterSecret). Derivation is deterministic and stateless;
// keys are never stored. The master secret is injected at construction and a
// missing secret fails fast with interfaces.ErrMasterSecretMissing.
//
// # ShamirKMS
//
// ShamirKMS splits the master secret between key custodians. At startup in
// recovery mode the backend stays locked until a threshold of custodians
// submit their shares, each signed with the custodian's ECDSA key:
//
//	k, _ := kms.NewShamirKMSRecovery(kms.ShamirConfig{Threshold: 2, AdminPubKeys: keys})
//	_ = k.SubmitShare(0, share0, sig0, adminPub0)
//	_ = k.SubmitShare(1, share1, sig1, adminPub1)
//	chipKMS, err := k.ChipKMS()
//
// The recovered secret exists only in memory.
package kms
