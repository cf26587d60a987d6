package kmscommon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/api/server"
	"github.com/ruteri/rfid-tag-provisioning-backend/api/shamirkms"
	"github.com/ruteri/rfid-tag-provisioning-backend/cmd/flags"
	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/kms"
	"github.com/urfave/cli/v2"
)

var KmsTypeFlag = &cli.StringFlag{
	Name:    "kms-type",
	Value:   "simple",
	Usage:   "type of KMS to use: 'simple' or 'shamir'",
	EnvVars: []string{"RFID_KMS_TYPE"},
}

var KmsSeedFlag = &cli.StringFlag{
	Name:    "master-secret",
	Usage:   "hex-encoded 32-byte chip master secret (simple KMS)",
	EnvVars: []string{"RFID_MASTER_SECRET"},
}

var KmsPassphraseFlag = &cli.StringFlag{
	Name:    "master-passphrase",
	Usage:   "passphrase the chip master secret is derived from with Argon2id (simple KMS, instead of master-secret)",
	EnvVars: []string{"RFID_MASTER_PASSPHRASE"},
}
var KmsPassphraseSaltFlag = &cli.StringFlag{
	Name:    "master-passphrase-salt",
	Usage:   "deployment-specific salt for master-passphrase, at least 8 characters",
	EnvVars: []string{"RFID_MASTER_PASSPHRASE_SALT"},
}

var KmsAdminKeysFlag = &cli.StringFlag{
	Name:    "shamirkms-admin-keys-file",
	Usage:   "JSON file with custodian public keys (required if kms-type is 'shamir')",
	EnvVars: []string{"RFID_SHAMIRKMS_ADMIN_KEYS_FILE"},
}
var KmsThresholdFlag = &cli.IntFlag{
	Name:    "shamirkms-threshold",
	Value:   2,
	Usage:   "number of shares needed to recover the master secret",
	EnvVars: []string{"RFID_SHAMIRKMS_THRESHOLD"},
}
var KmsBootstrapListenAddrFlag = &cli.StringFlag{
	Name:    "shamir-bootstrap-listen-addr",
	Usage:   "if set, run the admin API on this address and wait for bootstrap before serving; otherwise the admin API is mounted on the main server",
	EnvVars: []string{"RFID_SHAMIR_BOOTSTRAP_LISTEN_ADDR"},
}
var KmsTimeoutFlag = &cli.IntFlag{
	Name:    "shamirkms-bootstrap-timeout",
	Value:   86400,
	Usage:   "timeout in seconds for a blocking bootstrap",
	EnvVars: []string{"RFID_SHAMIRKMS_BOOTSTRAP_TIMEOUT"},
}

var SimpleKmsFlags = []cli.Flag{
	KmsSeedFlag,
	KmsPassphraseFlag,
	KmsPassphraseSaltFlag,
}

var KmsFlags = []cli.Flag{
	KmsTypeFlag,
	KmsSeedFlag,
	KmsPassphraseFlag,
	KmsPassphraseSaltFlag,
	KmsAdminKeysFlag,
	KmsThresholdFlag,
	KmsBootstrapListenAddrFlag,
	KmsTimeoutFlag,
}

// SimpleKMS builds a ChipKMS from a hex master secret or a passphrase.
func SimpleKMS(cCtx *cli.Context) (*kms.ChipKMS, error) {
	seedHex := cCtx.String(KmsSeedFlag.Name)
	passphrase := cCtx.String(KmsPassphraseFlag.Name)

	switch {
	case seedHex != "" && passphrase != "":
		return nil, errors.New("master-secret and master-passphrase are mutually exclusive")
	case seedHex != "":
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != cryptoutils.MasterSecretSize {
			return nil, fmt.Errorf("invalid master-secret, expected %d hex-encoded bytes", cryptoutils.MasterSecretSize)
		}
		return kms.NewChipKMS(seed)
	case passphrase != "":
		secret, err := cryptoutils.DeriveMasterSecret([]byte(passphrase), []byte(cCtx.String(KmsPassphraseSaltFlag.Name)))
		if err != nil {
			return nil, err
		}
		return kms.NewChipKMS(secret)
	default:
		return nil, errors.New("master-secret or master-passphrase is required for simple KMS")
	}
}

// SetupKMS initializes the chip key provider.
//
// For shamir without a bootstrap address the returned registrar is the admin
// API to mount on the main server, and the provider reports the master secret
// missing until custodians complete the bootstrap. With a bootstrap address
// this call blocks until bootstrap completes on a dedicated server.
func SetupKMS(cCtx *cli.Context, logger *slog.Logger) (kms.Provider, server.RouteRegistrar, error) {
	kmsType := cCtx.String(KmsTypeFlag.Name)
	adminKeysFile := cCtx.String(KmsAdminKeysFlag.Name)
	shamirkmsThreshold := cCtx.Int(KmsThresholdFlag.Name)
	shamirkmsListenAddr := cCtx.String(KmsBootstrapListenAddrFlag.Name)
	bootstrapTimeout := cCtx.Int(KmsTimeoutFlag.Name)

	switch kmsType {
	case "simple":
		logger.Info("Using simple chip KMS")
		chipKMS, err := SimpleKMS(cCtx)
		if err != nil {
			return nil, nil, err
		}
		return chipKMS, nil, nil

	case "shamir":
		logger.Info("Using ShamirKMS with custodian bootstrap")

		if adminKeysFile == "" {
			return nil, nil, errors.New("shamirkms-admin-keys-file is required for shamir KMS")
		}

		logger.Info("Loading admin keys", "file", adminKeysFile)
		adminKeysData, err := os.Open(adminKeysFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open admin keys file: %w", err)
		}
		defer adminKeysData.Close()

		adminKeys, err := shamirkms.LoadAdminKeys(adminKeysData)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load admin keys: %w", err)
		}
		logger.Info("Admin keys loaded successfully", "count", len(adminKeys))

		adminHandler, err := shamirkms.NewAdminHandler(logger, shamirkmsThreshold, adminKeys)
		if err != nil {
			return nil, nil, fmt.Errorf("could not initialize kms admin handler: %w", err)
		}

		if shamirkmsListenAddr == "" {
			return adminHandler, adminHandler, nil
		}

		skmsServerCfg := flags.ConfigureServer(cCtx, logger, shamirkmsListenAddr)
		skmsServerCfg.MetricsAddr = ""
		baseServer, err := server.New(skmsServerCfg, adminHandler)
		if err != nil {
			return nil, nil, fmt.Errorf("could not create base server for kms admin: %w", err)
		}

		logger.Info("Starting server in bootstrap mode")
		baseServer.RunInBackground()

		logger.Info("Waiting for KMS bootstrap to complete...", "timeout", bootstrapTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(bootstrapTimeout)*time.Second)
		defer cancel()

		shamirKMS, err := adminHandler.WaitForBootstrap(ctx)
		baseServer.Shutdown()
		if err != nil {
			return nil, nil, err
		}
		return shamirKMS, nil, nil

	default:
		return nil, nil, fmt.Errorf("invalid kms-type: %s", kmsType)
	}
}
