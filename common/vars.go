package common

var (
	// Version is overridden at build time with -ldflags "-X .../common.Version=..."
	Version = "dev"

	// PackageName is used as the prefix of exported metric names.
	PackageName = "rfid_provisioning"
)
