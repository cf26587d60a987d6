package interfaces

// ChipKeyDeriver derives per-chip sector keys from a master secret.
type ChipKeyDeriver interface {
	DeriveChipKey(chipID ChipID) (ChipKey, error)
}

// ChecksumComputer binds a chip's uid, salt and chip id.
type ChecksumComputer interface {
	GenerateSalt() (Salt, error)
	ComputeChecksum(uid Uid, salt Salt, chipID ChipID) Checksum
	ValidateChecksum(uid Uid, salt Salt, chipID ChipID, candidate Checksum) bool
}
