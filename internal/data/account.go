package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RefreshWorker/internal/model"
	pkgerrors "RefreshWorker/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	settingsKey       = "settings"
	taskHistoryLimit  = 100
	defaultAccountIDf = "account_%d"
)

type accountRow struct {
	AccountID string `gorm:"column:account_id;primaryKey"`
	Position  int    `gorm:"column:position"`
	Data      string `gorm:"column:data"`
}

func (accountRow) TableName() string { return "accounts" }

type settingRow struct {
	Value string `gorm:"column:value"`
}

type taskHistoryRow struct {
	ID        string  `gorm:"column:id;primaryKey"`
	Data      string  `gorm:"column:data"`
	CreatedAt float64 `gorm:"column:created_at"`
}

func (taskHistoryRow) TableName() string { return "task_history" }

// AccountRepo implements the account store over the shared tables.
type AccountRepo struct {
	db     *gorm.DB
	logger *log.Helper
	now    func() time.Time
}

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(d *Data, logger log.Logger) *AccountRepo {
	return &AccountRepo{
		db:     d.db,
		logger: log.NewHelper(log.With(logger, "module", "data/account")),
		now:    time.Now,
	}
}

// LoadAccounts returns every account ordered by position. Rows whose data is
// not a JSON object are skipped with a warning.
func (r *AccountRepo) LoadAccounts(ctx context.Context) ([]*model.Account, error) {
	var rows []accountRow
	if err := r.db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, r.storageErr("load accounts", err)
	}

	accounts := make([]*model.Account, 0, len(rows))
	for i, row := range rows {
		id := row.AccountID
		if id == "" {
			id = fmt.Sprintf(defaultAccountIDf, i+1)
		}
		a, err := decodeAccount(id, row.Position, []byte(row.Data))
		if err != nil {
			r.logger.Warnw("msg", "Skipping undecodable account row", "account_id", id, "error", err)
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// LoadConfig reads the settings document; a missing row yields an empty
// PersistedConfig with Found == false.
func (r *AccountRepo) LoadConfig(ctx context.Context) (*model.PersistedConfig, error) {
	var row settingRow
	err := r.db.WithContext(ctx).Table("kv_settings").Select("value").
		Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: settingsKey}).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.PersistedConfig{}, nil
	}
	if err != nil {
		return nil, r.storageErr("load config", err)
	}

	var doc struct {
		Basic map[string]interface{} `json:"basic"`
		Retry map[string]interface{} `json:"retry"`
	}
	if err := json.Unmarshal([]byte(row.Value), &doc); err != nil {
		return nil, &model.StorageError{Op: "load config", Err: fmt.Errorf("settings is not a JSON object: %w", err)}
	}
	return &model.PersistedConfig{Basic: doc.Basic, Retry: doc.Retry, Found: true}, nil
}

// SaveAccount overwrites one record. Zero rows affected wraps model.ErrAccountNotFound.
func (r *AccountRepo) SaveAccount(ctx context.Context, a *model.Account) error {
	payload, err := encodeAccount(a)
	if err != nil {
		return &model.StorageError{Op: "save account", Err: fmt.Errorf("%w: %v", model.ErrInvalidRecord, err)}
	}

	res := r.db.WithContext(ctx).Exec(
		"UPDATE accounts SET data = ?, updated_at = ? WHERE account_id = ?",
		string(payload), r.now().UTC(), a.ID,
	)
	if res.Error != nil {
		return r.storageErr("save account", res.Error)
	}
	if res.RowsAffected == 0 {
		return &model.StorageError{Op: "save account", Err: fmt.Errorf("%s: %w", a.ID, model.ErrAccountNotFound)}
	}
	return nil
}

// SaveTaskHistory upserts a settled task and keeps only the newest entries.
func (r *AccountRepo) SaveTaskHistory(ctx context.Context, t *model.RefreshTask) error {
	if t.ID == "" {
		return &model.StorageError{Op: "save task history", Err: errors.New("task id is empty")}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	payload, err := t.HistoryJSON()
	if err != nil {
		return &model.StorageError{Op: "save task history", Err: err}
	}

	row := taskHistoryRow{ID: t.ID, Data: string(payload), CreatedAt: float64(t.CreatedAt.UnixNano()) / 1e9}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "created_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		// 外层派生表兼容 MySQL 对同表子查询的限制
		return tx.Exec(
			"DELETE FROM task_history WHERE id NOT IN (SELECT id FROM (SELECT id FROM task_history ORDER BY created_at DESC LIMIT ?) AS keep_rows)",
			taskHistoryLimit,
		).Error
	})
	if err != nil {
		return r.storageErr("save task history", err)
	}
	return nil
}

func (r *AccountRepo) storageErr(op string, err error) error {
	dbErr := pkgerrors.ClassifyDBError(err)
	if dbErr.Transient() {
		r.logger.Warnw("msg", "Transient database error", "op", op, "type", dbErr.Type, "error", err)
	} else if dbErr.Type != pkgerrors.ErrorTypeCanceled {
		r.logger.Errorw("msg", "Database error", "op", op, "type", dbErr.Type, "error", err)
	}
	return &model.StorageError{Op: op, Err: dbErr}
}
