package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/rfid-tag-provisioning-backend/api"
	"github.com/ruteri/rfid-tag-provisioning-backend/api/fulfilment"
	"github.com/ruteri/rfid-tag-provisioning-backend/api/provisioner"
	"github.com/ruteri/rfid-tag-provisioning-backend/api/server"
	"github.com/ruteri/rfid-tag-provisioning-backend/cmd/flags"
	"github.com/ruteri/rfid-tag-provisioning-backend/cmd/kmscommon"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/lifecycle"
	"github.com/ruteri/rfid-tag-provisioning-backend/provisioning"
	"github.com/ruteri/rfid-tag-provisioning-backend/registry"
	"github.com/ruteri/rfid-tag-provisioning-backend/stock"
	"github.com/ruteri/rfid-tag-provisioning-backend/storage"
	"github.com/urfave/cli/v2"
)

var listenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"RFID_LISTEN_ADDR"},
}
var registryFlag = &cli.StringFlag{
	Name:    "registry",
	Value:   "memory",
	Usage:   "chip registry backend: 'memory' or 'mysql'",
	EnvVars: []string{"RFID_REGISTRY"},
}
var mysqlDSNFlag = &cli.StringFlag{
	Name:    "mysql-dsn",
	Usage:   "MySQL DSN, e.g. user:pass@tcp(127.0.0.1:3306)/rfid",
	EnvVars: []string{"RFID_MYSQL_DSN"},
}
var mysqlMaxConnsFlag = &cli.IntFlag{
	Name:    "mysql-max-conns",
	Value:   16,
	Usage:   "maximum open MySQL connections",
	EnvVars: []string{"RFID_MYSQL_MAX_CONNS"},
}
var redisAddrFlag = &cli.StringFlag{
	Name:    "redis-addr",
	Usage:   "redis address for stock locks and the whitelist cache, empty for in-process locking",
	EnvVars: []string{"RFID_REDIS_ADDR"},
}
var redisPasswordFlag = &cli.StringFlag{
	Name:    "redis-password",
	Usage:   "redis password",
	EnvVars: []string{"RFID_REDIS_PASSWORD"},
}
var lockTTLFlag = &cli.DurationFlag{
	Name:    "stock-lock-ttl",
	Value:   10 * time.Second,
	Usage:   "expiry of distributed stock reservation locks",
	EnvVars: []string{"RFID_STOCK_LOCK_TTL"},
}
var whitelistTTLFlag = &cli.DurationFlag{
	Name:    "whitelist-cache-ttl",
	Value:   5 * time.Minute,
	Usage:   "how long whitelist responses are cached in redis",
	EnvVars: []string{"RFID_WHITELIST_CACHE_TTL"},
}
var storageFlag = &cli.StringSliceFlag{
	Name:    "storage",
	Usage:   "storage location URI for whitelist snapshots and audit archives (file://, s3://, ipfs://, vault://), repeatable",
	EnvVars: []string{"RFID_STORAGE"},
}
var activationRPSFlag = &cli.Float64Flag{
	Name:    "activation-rps",
	Value:   5,
	Usage:   "per-client activation requests per second, 0 disables the limit",
	EnvVars: []string{"RFID_ACTIVATION_RPS"},
}
var activationBurstFlag = &cli.IntFlag{
	Name:    "activation-burst",
	Value:   10,
	Usage:   "per-client activation burst",
	EnvVars: []string{"RFID_ACTIVATION_BURST"},
}

func main() {
	appFlags := []cli.Flag{
		listenAddrFlag,
		registryFlag,
		mysqlDSNFlag,
		mysqlMaxConnsFlag,
		redisAddrFlag,
		redisPasswordFlag,
		lockTTLFlag,
		whitelistTTLFlag,
		storageFlag,
		activationRPSFlag,
		activationBurstFlag,
		flags.LogServiceFlagFn("rfid-chipserver"),
	}
	appFlags = append(appFlags, kmscommon.KmsFlags...)
	appFlags = append(appFlags, flags.CommonFlags...)

	app := &cli.App{
		Name:  "chipserver",
		Usage: "Serve the RFID chip provisioning, activation and fulfilment API",
		Flags: appFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			reg, err := setupRegistry(cCtx, logger)
			if err != nil {
				logger.Error("failed to set up registry", "err", err)
				return err
			}

			var rdb redis.UniversalClient
			if addr := cCtx.String(redisAddrFlag.Name); addr != "" {
				rdb = redis.NewClient(&redis.Options{
					Addr:     addr,
					Password: cCtx.String(redisPasswordFlag.Name),
				})
				defer rdb.Close()
				if err := rdb.Ping(cCtx.Context).Err(); err != nil {
					logger.Error("failed to reach redis", "addr", addr, "err", err)
					return err
				}
			}

			keys, kmsRoutes, err := kmscommon.SetupKMS(cCtx, logger)
			if err != nil {
				logger.Error("failed to set up KMS", "err", err)
				return err
			}

			svc := provisioning.NewService(reg, lifecycle.NewMachine(reg, logger), keys, logger)

			if uris := cCtx.StringSlice(storageFlag.Name); len(uris) > 0 {
				backend, err := setupStorage(uris, logger)
				if err != nil {
					logger.Error("failed to set up storage", "err", err)
					return err
				}
				svc = svc.WithStorage(backend)
			}

			var locker stock.Locker = stock.NewMutexLocker()
			if rdb != nil {
				locker = stock.NewRedisLocker(rdb, cCtx.Duration(lockTTLFlag.Name), logger)
				svc = svc.WithWhitelistCache(rdb, cCtx.Duration(whitelistTTLFlag.Name))
			}
			ledger := stock.NewLedger(reg, reg, locker, logger)

			var limiter *api.RateLimiter
			if rps := cCtx.Float64(activationRPSFlag.Name); rps > 0 {
				limiter = api.NewRateLimiter(rps, cCtx.Int(activationBurstFlag.Name), logger)
			}

			handlers := []server.RouteRegistrar{
				provisioner.NewHandler(svc, limiter, logger),
				fulfilment.NewHandler(ledger, logger),
			}
			if kmsRoutes != nil {
				handlers = append(handlers, kmsRoutes)
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(listenAddrFlag.Name))
			srv, err := server.New(cfg, handlers...)
			if err != nil {
				logger.Error("failed to create server", "err", err)
				return err
			}
			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit

			srv.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupRegistry(cCtx *cli.Context, logger *slog.Logger) (interfaces.Registry, error) {
	switch cCtx.String(registryFlag.Name) {
	case "memory":
		logger.Warn("using in-memory registry, records are lost on restart")
		return registry.NewMemoryRegistry(), nil
	case "mysql":
		db, err := registry.OpenMySQL(registry.DBConfig{
			DSN:             cCtx.String(mysqlDSNFlag.Name),
			MaxOpenConns:    cCtx.Int(mysqlMaxConnsFlag.Name),
			MaxIdleConns:    cCtx.Int(mysqlMaxConnsFlag.Name) / 2,
			ConnMaxLifetime: time.Hour,
		}, logger)
		if err != nil {
			return nil, err
		}
		return registry.NewGormRegistry(db, logger), nil
	default:
		return nil, fmt.Errorf("unknown registry %q", cCtx.String(registryFlag.Name))
	}
}

func setupStorage(uris []string, logger *slog.Logger) (interfaces.StorageBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
}
