package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DBConfig configures the MySQL connection pool.
type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenMySQL connects to MySQL and migrates the registry tables.
func OpenMySQL(cfg DBConfig, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&chipModel{}, &historyModel{}, &orderModel{}, &verificationModel{}, &sequenceModel{}); err != nil {
		return nil, fmt.Errorf("migrating registry tables: %w", err)
	}
	log.Info("Connected to registry database")
	return db, nil
}

// GormRegistry is an interfaces.Registry backed by MySQL through gorm.
// Read-modify-write operations lock the affected row with SELECT ... FOR UPDATE.
type GormRegistry struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewGormRegistry(db *gorm.DB, log *slog.Logger) *GormRegistry {
	return &GormRegistry{db: db, log: log}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func preloadHistory(db *gorm.DB) *gorm.DB {
	return db.Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("id") })
}

func (r *GormRegistry) CreateChip(ctx context.Context, chip *interfaces.RfidChip) error {
	if chip.ID == "" {
		chip.ID = uuid.NewString()
	}
	m := chipToModel(chip)
	m.History = nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("History").Create(m).Error; err != nil {
			return err
		}
		for _, entry := range chip.StatusHistory {
			if err := tx.Create(historyToModel(m.ID, entry)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if isDuplicateKeyErr(err) {
		if len(chip.Uid) > 0 {
			if _, lookupErr := r.GetChipByUid(ctx, chip.Uid); lookupErr == nil {
				return fmt.Errorf("%w: %s", interfaces.ErrUidAlreadyBound, chip.Uid)
			}
		}
		return fmt.Errorf("%w: %s", interfaces.ErrChipExists, chip.ChipID)
	}
	if err != nil {
		return err
	}

	chip.CreatedAt = m.CreatedAt
	chip.UpdatedAt = m.UpdatedAt
	return nil
}

func (r *GormRegistry) findChip(db *gorm.DB, query string, args ...any) (*interfaces.RfidChip, error) {
	var m chipModel
	err := preloadHistory(db).Where(query, args...).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrChipNotFound
	}
	if err != nil {
		return nil, err
	}
	return chipFromModel(&m)
}

func (r *GormRegistry) GetChip(ctx context.Context, chipID interfaces.ChipID) (*interfaces.RfidChip, error) {
	return r.findChip(r.db.WithContext(ctx), "chip_id = ?", chipID.String())
}

func (r *GormRegistry) GetChipByUid(ctx context.Context, uid interfaces.Uid) (*interfaces.RfidChip, error) {
	return r.findChip(r.db.WithContext(ctx), "uid = ?", uid.String())
}

func (r *GormRegistry) NextUnboundChip(ctx context.Context, status interfaces.ChipStatus) (*interfaces.RfidChip, error) {
	return r.findChip(r.db.WithContext(ctx).Order("created_at, chip_id"), "status = ? AND uid IS NULL", status.String())
}

// updateLocked loads the chip under a row lock, lets apply modify it and writes
// the scalar columns back. apply returns the history entry to append, if any.
func (r *GormRegistry) updateLocked(ctx context.Context, chipID interfaces.ChipID, apply func(*interfaces.RfidChip) (*interfaces.StatusHistoryEntry, error)) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.findChip(tx.Clauses(clause.Locking{Strength: "UPDATE"}), "chip_id = ?", chipID.String())
		if err != nil {
			return err
		}

		updated := current.Clone()
		entry, err := apply(updated)
		if err != nil {
			return err
		}
		if len(current.Uid) > 0 && !updated.Uid.Equal(current.Uid) {
			return fmt.Errorf("%w: uid of chip %s cannot change once bound", interfaces.ErrUidAlreadyBound, chipID)
		}

		m := chipToModel(updated)
		m.ID = current.ID
		m.ChipID = current.ChipID.String()
		m.CreatedAt = current.CreatedAt
		m.UpdatedAt = time.Now().UTC()
		if err := tx.Omit("History").Save(m).Error; err != nil {
			return err
		}
		if entry != nil {
			return tx.Create(historyToModel(current.ID, *entry)).Error
		}
		return nil
	})
	if isDuplicateKeyErr(err) {
		return fmt.Errorf("%w: %v", interfaces.ErrUidAlreadyBound, err)
	}
	return err
}

func (r *GormRegistry) UpdateChip(ctx context.Context, chipID interfaces.ChipID, fn func(*interfaces.RfidChip) error) error {
	return r.updateLocked(ctx, chipID, func(chip *interfaces.RfidChip) (*interfaces.StatusHistoryEntry, error) {
		status := chip.Status
		if err := fn(chip); err != nil {
			return nil, err
		}
		chip.Status = status
		return nil, nil
	})
}

func (r *GormRegistry) ApplyTransition(ctx context.Context, chipID interfaces.ChipID, entry interfaces.StatusHistoryEntry, mutate func(*interfaces.RfidChip) error) error {
	return r.updateLocked(ctx, chipID, func(chip *interfaces.RfidChip) (*interfaces.StatusHistoryEntry, error) {
		if chip.Status != entry.FromStatus {
			return nil, fmt.Errorf("%w: chip %s is %s, expected %s", interfaces.ErrConcurrentUpdate, chipID, chip.Status, entry.FromStatus)
		}
		if mutate != nil {
			if err := mutate(chip); err != nil {
				return nil, err
			}
		}
		chip.Status = entry.ToStatus
		return &entry, nil
	})
}

func (r *GormRegistry) ListChipsByCustomer(ctx context.Context, customerID string) ([]*interfaces.RfidChip, error) {
	var models []chipModel
	if err := preloadHistory(r.db.WithContext(ctx)).Where("customer_id = ?", customerID).Order("chip_id").Find(&models).Error; err != nil {
		return nil, err
	}

	chips := make([]*interfaces.RfidChip, 0, len(models))
	for i := range models {
		chip, err := chipFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		chips = append(chips, chip)
	}
	return chips, nil
}

func unassignedPoolNames() []string {
	var names []string
	for _, s := range interfaces.AllChipStatuses() {
		if s.InUnassignedPool() {
			names = append(names, s.String())
		}
	}
	return names
}

func (r *GormRegistry) CountUnassignedStock(ctx context.Context) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&chipModel{}).
		Where("order_id IS NULL AND status IN ?", unassignedPoolNames()).
		Count(&n).Error
	return int(n), err
}

func (r *GormRegistry) CountAssignedChips(ctx context.Context, orderID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&chipModel{}).Where("order_id = ?", orderID).Count(&n).Error
	return int(n), err
}

func (r *GormRegistry) NextChipSequence(ctx context.Context, prefix string) (int, error) {
	var seq sequenceModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{
			DoUpdates: clause.Assignments(map[string]any{"value": gorm.Expr("value + 1")}),
		}).Create(&sequenceModel{Prefix: prefix, Value: 1})
		if upsert.Error != nil {
			return upsert.Error
		}
		return tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("prefix = ?", prefix).First(&seq).Error
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing sequence %s: %w", prefix, err)
	}
	return seq.Value, nil
}

func (r *GormRegistry) CreateOrder(ctx context.Context, order *interfaces.Order) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).Create(orderToModel(order)).Error
	if isDuplicateKeyErr(err) {
		return fmt.Errorf("%w: %s", interfaces.ErrOrderExists, order.ID)
	}
	return err
}

func (r *GormRegistry) GetOrder(ctx context.Context, orderID string) (*interfaces.Order, error) {
	var m orderModel
	err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return orderFromModel(&m), nil
}

func (r *GormRegistry) UpdateOrder(ctx context.Context, orderID string, fn func(*interfaces.Order) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m orderModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", orderID).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return interfaces.ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		order := orderFromModel(&m)
		if err := fn(order); err != nil {
			return err
		}
		order.ID = m.ID
		order.CreatedAt = m.CreatedAt
		return tx.Save(orderToModel(order)).Error
	})
}

func (r *GormRegistry) ListReservedOrders(ctx context.Context) ([]*interfaces.Order, error) {
	var models []orderModel
	err := r.db.WithContext(ctx).
		Where("is_stock_reserved = ? AND cancelled = ?", true, false).
		Order("created_at").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	orders := make([]*interfaces.Order, 0, len(models))
	for i := range models {
		orders = append(orders, orderFromModel(&models[i]))
	}
	return orders, nil
}

func (r *GormRegistry) RecordVerification(ctx context.Context, event *interfaces.VerificationEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(verificationToModel(event)).Error
}

func (r *GormRegistry) ListVerifications(ctx context.Context, since time.Time) ([]*interfaces.VerificationEvent, error) {
	var models []verificationModel
	err := r.db.WithContext(ctx).Where("occurred_at >= ?", since).Order("occurred_at").Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]*interfaces.VerificationEvent, 0, len(models))
	for i := range models {
		events = append(events, verificationFromModel(&models[i]))
	}
	return events, nil
}
