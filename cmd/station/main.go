package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/api/provisioner"
	"github.com/ruteri/rfid-tag-provisioning-backend/cmd/flags"
	"github.com/ruteri/rfid-tag-provisioning-backend/cmd/kmscommon"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/mifare"
	"github.com/urfave/cli/v2"
)

var readerFlag = &cli.StringFlag{
	Name:    "reader",
	Value:   "sim",
	Usage:   "reader driver, only 'sim' is built in",
	EnvVars: []string{"RFID_READER"},
}
var simStateFlag = &cli.StringFlag{
	Name:    "sim-state",
	Value:   "card.json",
	Usage:   "file holding the simulated tag memory, created blank if missing",
	EnvVars: []string{"RFID_SIM_STATE"},
}
var simUidFlag = &cli.StringFlag{
	Name:  "sim-uid",
	Usage: "hex uid of a newly created simulated tag, random when empty",
}
var cardTimeoutFlag = &cli.DurationFlag{
	Name:  "card-timeout",
	Value: 10 * time.Second,
	Usage: "how long to wait for a tag in the field",
}
var issuerFlag = &cli.StringFlag{
	Name:    "issuer",
	Value:   "remote",
	Usage:   "where identity material comes from: 'remote' (provisioning server) or 'local' (master secret on this station)",
	EnvVars: []string{"RFID_ISSUER"},
}
var chipIDFlag = &cli.StringFlag{
	Name:  "chip-id",
	Usage: "chip id to encode (assigned by the server for remote encoding) or to verify against (required)",
}
var stationIDFlag = &cli.StringFlag{
	Name:    "station-id",
	Value:   "station",
	Usage:   "actor recorded when committing encodings",
	EnvVars: []string{"RFID_STATION_ID"},
}
var noReadbackFlag = &cli.BoolFlag{
	Name:  "no-readback",
	Usage: "skip reading the protected blocks back after locking",
}

// station is the simulated reader and its backing tag for one invocation.
type station struct {
	log    *slog.Logger
	path   string
	card   *mifare.SimulatedCard
	reader *mifare.SimulatedReader
	pool   *mifare.ReaderPool
}

func openStation(cCtx *cli.Context, log *slog.Logger) (*station, error) {
	if driver := cCtx.String(readerFlag.Name); driver != "sim" {
		return nil, fmt.Errorf("unsupported reader %q", driver)
	}

	path := cCtx.String(simStateFlag.Name)
	card, err := loadCard(path, cCtx.String(simUidFlag.Name))
	if err != nil {
		return nil, err
	}

	reader := mifare.NewSimulatedReader("sim0")
	reader.Present(card)
	return &station{
		log:    log,
		path:   path,
		card:   card,
		reader: reader,
		pool:   mifare.NewReaderPool(log, reader),
	}, nil
}

func loadCard(path, uidHex string) (*mifare.SimulatedCard, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		var uid interfaces.Uid
		if uidHex != "" {
			if uid, err = interfaces.NewUidFromHex(uidHex); err != nil {
				return nil, err
			}
		} else {
			uid = make(interfaces.Uid, 4)
			if _, err := rand.Read(uid); err != nil {
				return nil, err
			}
		}
		return mifare.NewSimulatedCard(uid), nil
	}
	if err != nil {
		return nil, err
	}

	var dump mifare.CardDump
	if err := json.Unmarshal(raw, &dump); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	return mifare.LoadSimulatedCard(dump)
}

func (s *station) save() error {
	raw, err := json.MarshalIndent(s.card.Dump(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}

func (s *station) withCard(ctx context.Context, timeout time.Duration, fn func(interfaces.Reader) error) error {
	return s.pool.WithReader(ctx, func(r interfaces.Reader) error {
		if err := r.WaitForCard(ctx, timeout); err != nil {
			return err
		}
		return fn(r)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func localKeys(cCtx *cli.Context) (interfaces.ChipKeyDeriver, interfaces.ChecksumComputer, error) {
	chipKMS, err := kmscommon.SimpleKMS(cCtx)
	if err != nil {
		return nil, nil, err
	}
	checksums, err := chipKMS.Checksums()
	if err != nil {
		return nil, nil, err
	}
	return chipKMS, checksums, nil
}

func encodeCmd(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	st, err := openStation(cCtx, logger)
	if err != nil {
		return err
	}

	var (
		issuer mifare.IdentityIssuer
		client *provisioner.ProvisioningClient
	)
	switch cCtx.String(issuerFlag.Name) {
	case "remote":
		client = &provisioner.ProvisioningClient{
			ServerAddr: cCtx.String(flags.ServerAddrFlag.Name),
			StationID:  cCtx.String(stationIDFlag.Name),
		}
		issuer = client
	case "local":
		keys, checksums, err := localKeys(cCtx)
		if err != nil {
			return err
		}
		issuer = mifare.NewLocalIssuer(keys, checksums)
	default:
		return fmt.Errorf("unknown issuer %q", cCtx.String(issuerFlag.Name))
	}

	encoder := mifare.NewEncoder(issuer, logger).WithReadback(!cCtx.Bool(noReadbackFlag.Name))
	chipID := interfaces.ChipID(cCtx.String(chipIDFlag.Name))

	var result *mifare.EncodeResult
	encodeErr := st.withCard(cCtx.Context, cCtx.Duration(cardTimeoutFlag.Name), func(r interfaces.Reader) error {
		var err error
		result, err = encoder.Encode(cCtx.Context, r, chipID)
		return err
	})

	// The tag memory changed even if encoding failed part way.
	if err := st.save(); err != nil {
		logger.Error("could not persist simulated tag", "path", st.path, "err", err)
	}

	var partial *interfaces.PartialEncodingFailure
	if errors.As(encodeErr, &partial) {
		logger.Error("tag partially encoded, set it aside for scrapping",
			"chipID", partial.ChipID, "failedStep", partial.FailedStep, "lockedSectors", partial.LockedSectors)
		return encodeErr
	}
	if encodeErr != nil {
		return encodeErr
	}

	if client != nil {
		chip, err := client.CommitEncoding(cCtx.Context, result.Params.ChipID)
		if err != nil {
			logger.Error("tag encoded but commit failed, retry the commit before shipping", "chipID", result.Params.ChipID, "err", err)
			return err
		}
		logger.Info("encoding committed", "chipID", chip.ChipID, "status", chip.Status)
	}

	return printJSON(map[string]any{
		"chip_id": result.Params.ChipID,
		"uid":     result.Params.Uid,
		"state":   result.State,
		"steps":   result.CompletedSteps,
	})
}

func verifyCmd(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	st, err := openStation(cCtx, logger)
	if err != nil {
		return err
	}

	expected := interfaces.ChipID(cCtx.String(chipIDFlag.Name))
	if expected == "" {
		return fmt.Errorf("--%s is required: the tag's own public block is not trusted to pick its key", chipIDFlag.Name)
	}

	keys, checksums, err := localKeys(cCtx)
	if err != nil {
		return err
	}
	verifier := mifare.NewVerifier(keys, checksums, cCtx.String(stationIDFlag.Name), logger)

	var result *mifare.VerifyResult
	verifyErr := st.withCard(cCtx.Context, cCtx.Duration(cardTimeoutFlag.Name), func(r interfaces.Reader) error {
		var err error
		result, err = verifier.Verify(cCtx.Context, r, expected)
		return err
	})
	if result == nil {
		return verifyErr
	}

	if err := printJSON(map[string]any{
		"chip_id":  result.ChipID,
		"uid":      result.Uid,
		"outcome":  result.Outcome,
		"category": result.Outcome.Category(),
	}); err != nil {
		return err
	}
	return verifyErr
}

func dumpCmd(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	st, err := openStation(cCtx, logger)
	if err != nil {
		return err
	}
	if err := st.save(); err != nil {
		return err
	}
	return printJSON(st.card.Dump())
}

func main() {
	readerFlags := []cli.Flag{readerFlag, simStateFlag, simUidFlag, cardTimeoutFlag, stationIDFlag, chipIDFlag}
	commonFlags := append([]cli.Flag{flags.LogServiceFlagFn("rfid-station")}, flags.LogFlags...)

	app := &cli.App{
		Name:  "station",
		Usage: "Encode and verify Mifare Classic tags",
		Flags: commonFlags,
		Commands: []*cli.Command{
			{
				Name:   "encode",
				Usage:  "Encode and protect the tag in the field",
				Flags:  append(append([]cli.Flag{issuerFlag, flags.ServerAddrFlag, noReadbackFlag}, readerFlags...), kmscommon.SimpleKmsFlags...),
				Action: encodeCmd,
			},
			{
				Name:   "verify",
				Usage:  "Verify the tag in the field with the local master secret",
				Flags:  append(readerFlags, kmscommon.SimpleKmsFlags...),
				Action: verifyCmd,
			},
			{
				Name:   "dump",
				Usage:  "Print the simulated tag memory, creating a blank tag if needed",
				Flags:  readerFlags,
				Action: dumpCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
