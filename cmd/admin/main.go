package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/api/clients"
	"github.com/ruteri/rfid-tag-provisioning-backend/api/shamirkms"
	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/urfave/cli/v2"
)

var flagProvisioningServer *cli.StringFlag = &cli.StringFlag{
	Name:    "provisioning-server-addr",
	Value:   "http://127.0.0.1:8080",
	Usage:   "Provisioning server address to request",
	EnvVars: []string{"RFID_SERVER"},
}
var flagAdminPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagShamirAdmins *cli.StringFlag = &cli.StringFlag{
	Name:  "shamir-admins-file",
	Value: "shamir-admins.json",
	Usage: "Path to file to use for shamir KMS configuration",
}
var flagShamirShare *cli.StringFlag = &cli.StringFlag{
	Name:  "shamir-share-file",
	Value: "shamir-share.json",
	Usage: "Path to file to use for shamir share",
}
var flagWaitTimeout *cli.DurationFlag = &cli.DurationFlag{
	Name:  "wait",
	Usage: "after submitting, wait up to this long for the bootstrap to complete",
}

// shareFile is a fetched share at rest, encrypted to the custodian's own key.
type shareFile struct {
	ShareIndex     int    `json:"share_index"`
	EncryptedShare string `json:"encrypted_share"`
}

// adminClient loads the custodian key pair. The admin id is the public key fingerprint.
func adminClient(cCtx *cli.Context) (*clients.AdminClient, []byte, []byte, error) {
	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return nil, nil, nil, err
	}

	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := clients.NewAdminClient(cCtx.String(flagProvisioningServer.Name), cryptoutils.Fingerprint(publicKeyPEM), privateKeyPEM)
	if err != nil {
		return nil, nil, nil, err
	}
	return client, publicKeyPEM, privateKeyPEM, nil
}

func main() {
	keyFlags := []cli.Flag{flagProvisioningServer, flagAdminPrivkey, flagAdminPubkey}

	app := &cli.App{
		Name:           "admin",
		Usage:          "Custodian tool for the chip master secret bootstrap",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show the bootstrap state of the server",
				Flags: keyFlags,
				Action: func(cCtx *cli.Context) error {
					client, _, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					status, err := client.GetStatus(cCtx.Context)
					if err != nil {
						return err
					}

					out, err := json.MarshalIndent(status, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				},
			},
			{
				Name:  "generate-admin",
				Usage: "Generate a custodian key pair",
				Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := cryptoutils.GenerateAdminKeyPair()
					if err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0600); err != nil {
						return err
					}

					fmt.Println(cryptoutils.Fingerprint(publicKeyPEM))
					return nil
				},
			},
			{
				Name:  "generate-shamir-config",
				Usage: "Write the custodian list loaded by the server",
				Flags: []cli.Flag{
					flagShamirAdmins,
					&cli.StringSliceFlag{
						Name:     "admin-pubkey-files",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := shamirkms.ShamirAdminsConfig{}

					for _, pubkey := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(pubkey)
						if err != nil {
							return err
						}
						if _, err := cryptoutils.ParsePublicKeyPEM(publicKeyPEM); err != nil {
							return fmt.Errorf("%s: %w", pubkey, err)
						}

						config.Admins = append(config.Admins, shamirkms.ShamirAdminMetadata{
							ID:     cryptoutils.Fingerprint(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					configBytes, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagShamirAdmins.Name), configBytes, 0600)
				},
			},
			{
				Name:  "init-generate-shares",
				Usage: "Generate a new master secret and split it between custodians",
				Flags: keyFlags,
				Action: func(cCtx *cli.Context) error {
					client, _, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.InitGenerate(cCtx.Context)
				},
			},
			{
				Name:  "init-recovery",
				Usage: "Start recovering the master secret from custodian shares",
				Flags: keyFlags,
				Action: func(cCtx *cli.Context) error {
					client, _, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.InitRecover(cCtx.Context)
				},
			},
			{
				Name:  "fetch-admin-share",
				Usage: "Fetch this custodian's share and store it encrypted to the custodian key",
				Flags: append(keyFlags, flagShamirShare),
				Action: func(cCtx *cli.Context) error {
					client, publicKeyPEM, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}

					shareIndex, share, err := client.FetchShare(cCtx.Context)
					if err != nil {
						return err
					}

					encrypted, err := cryptoutils.EncryptWithPublicKey(publicKeyPEM, share)
					if err != nil {
						return err
					}

					shareJSON, err := json.Marshal(shareFile{
						ShareIndex:     shareIndex,
						EncryptedShare: base64.StdEncoding.EncodeToString(encrypted),
					})
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagShamirShare.Name), shareJSON, 0600)
				},
			},
			{
				Name:  "submit-admin-share",
				Usage: "Submit this custodian's share during recovery",
				Flags: append(keyFlags, flagShamirShare, flagWaitTimeout),
				Action: func(cCtx *cli.Context) error {
					client, _, privateKeyPEM, err := adminClient(cCtx)
					if err != nil {
						return err
					}

					shareJSON, err := os.ReadFile(cCtx.String(flagShamirShare.Name))
					if err != nil {
						return err
					}

					var stored shareFile
					if err := json.Unmarshal(shareJSON, &stored); err != nil {
						return err
					}

					encrypted, err := base64.StdEncoding.DecodeString(stored.EncryptedShare)
					if err != nil {
						return err
					}

					share, err := cryptoutils.DecryptWithPrivateKey(privateKeyPEM, encrypted)
					if err != nil {
						return err
					}

					if err := client.SubmitShare(cCtx.Context, stored.ShareIndex, share); err != nil {
						return err
					}

					wait := cCtx.Duration(flagWaitTimeout.Name)
					if wait <= 0 {
						return nil
					}
					ctx, cancel := context.WithTimeout(cCtx.Context, wait)
					defer cancel()
					return client.WaitForCompletion(ctx, time.Second)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
