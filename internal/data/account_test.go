package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"RefreshWorker/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func insertAccount(t *testing.T, db *gorm.DB, id string, position int, data string) {
	t.Helper()
	require.NoError(t, db.Exec(
		"INSERT INTO accounts (account_id, position, data) VALUES (?, ?, ?)", id, position, data,
	).Error)
}

func TestAccountRepo_LoadAccounts(t *testing.T) {
	d, db := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)

	insertAccount(t, db, "b@x.test", 2, `{"id":"b@x.test","status":"failed","expires_at":"2024-05-01T08:00:00Z","refresh_error":"timeout after 10m0s"}`)
	insertAccount(t, db, "a@x.test", 1, `{"id":"a@x.test","expires_at":"2024-05-01 16:00:00","mail_provider":"DuckMail","mail_address":"a@duck.test","mail_password":"pw","proxy":"socks5://127.0.0.1:1080","secure_c_ses":"abc","csesidx":"42","config_id":"cfg-1","quota":{"daily":10}}`)
	insertAccount(t, db, "c@x.test", 3, `{"disabled":true,"email_password":"legacy","mail_client_id":"cid","mail_refresh_token":"rt","secure_c_ses":null}`)
	insertAccount(t, db, "broken", 4, `not json`)

	accounts, err := repo.LoadAccounts(testContext(t))
	require.NoError(t, err)
	require.Len(t, accounts, 3)

	a := accounts[0]
	assert.Equal(t, "a@x.test", a.ID)
	assert.Equal(t, model.StatusActive, a.Status)
	require.NotNil(t, a.ExpiresAt)
	assert.True(t, a.ExpiresAt.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)), "expires_at is stored in UTC+8")
	assert.Equal(t, "duckmail", a.MailProvider)
	assert.Equal(t, "a@duck.test", a.MailboxAddress)
	assert.Equal(t, "pw", a.MailSecret)
	assert.Equal(t, "socks5://127.0.0.1:1080", a.ProxySpec)
	assert.JSONEq(t, `{"secure_c_ses":"abc","csesidx":"42","config_id":"cfg-1"}`, string(a.CredentialBlob))
	assert.NotContains(t, a.Extra, "config_id", "gateway session keys belong to the credential")
	assert.Contains(t, a.Extra, "quota")

	b := accounts[1]
	assert.Equal(t, model.StatusFailed, b.Status)
	assert.Equal(t, "timeout after 10m0s", b.FailureReason)
	require.NotNil(t, b.ExpiresAt)

	c := accounts[2]
	assert.Equal(t, "c@x.test", c.ID, "row key used when data has no id")
	assert.Equal(t, model.StatusDisabled, c.Status)
	assert.Nil(t, c.ExpiresAt)
	assert.Equal(t, "legacy", c.MailSecret)
	assert.Equal(t, "cid", c.MailClientID)
	assert.Equal(t, "rt", c.MailRefreshToken)
	assert.Nil(t, c.CredentialBlob, "null session keys mean no credential")
}

func TestAccountRepo_SaveAccount_PreservesExtra(t *testing.T) {
	d, db := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)

	insertAccount(t, db, "a@x.test", 1, `{"id":"a@x.test","status":"active","config_id":"cfg-1","quota":{"daily":10},"credential":{"legacy":true}}`)

	accounts, err := repo.LoadAccounts(testContext(t))
	require.NoError(t, err)
	a := accounts[0]

	expires := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a.Status = model.StatusRefreshing
	a.ExpiresAt = &expires
	a.CredentialBlob = json.RawMessage(`{"secure_c_ses":"new","config_id":"cfg-2"}`)
	require.NoError(t, repo.SaveAccount(testContext(t), a))

	var raw string
	require.NoError(t, db.Raw("SELECT data FROM accounts WHERE account_id = ?", "a@x.test").Scan(&raw).Error)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, "refreshing", doc["status"])
	assert.Equal(t, false, doc["disabled"])
	assert.Equal(t, "2024-06-01 08:00:00", doc["expires_at"])
	assert.Equal(t, "new", doc["secure_c_ses"])
	assert.Equal(t, "cfg-2", doc["config_id"])
	assert.Equal(t, map[string]interface{}{"daily": float64(10)}, doc["quota"])
	assert.Equal(t, map[string]interface{}{"legacy": true}, doc["credential"], "unmodeled keys are kept verbatim")
	assert.NotContains(t, doc, "mail_client_id", "empty microsoft fields are not written")

	reloaded, err := repo.LoadAccounts(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefreshing, reloaded[0].Status)
	assert.True(t, reloaded[0].ExpiresAt.Equal(expires))
	assert.JSONEq(t, `{"secure_c_ses":"new","config_id":"cfg-2"}`, string(reloaded[0].CredentialBlob))
}

// 网关写入的原始记录: 会话字段在顶层，续期后网关仍能按原键读取
func TestAccountRepo_SaveAccount_GatewayRecordRoundTrip(t *testing.T) {
	d, db := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)

	insertAccount(t, db, "user@outlook.com", 1, `{
		"id":"user@outlook.com",
		"secure_c_ses":"OLD_SES","host_c_oses":"OLD_OSES","csesidx":"111","config_id":"cfg-a",
		"expires_at":"2024-05-01 16:00:00",
		"mail_provider":"microsoft","mail_address":"user@outlook.com",
		"mail_client_id":"client-1","mail_refresh_token":"refresh-1","mail_tenant":"consumers",
		"disabled":false,"trial_end":"2024-06-01"
	}`)

	accounts, err := repo.LoadAccounts(testContext(t))
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	a := accounts[0]
	assert.JSONEq(t, `{"secure_c_ses":"OLD_SES","host_c_oses":"OLD_OSES","csesidx":"111","config_id":"cfg-a"}`, string(a.CredentialBlob))
	assert.Equal(t, "consumers", a.MailTenant)

	expires := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	a.CredentialBlob = json.RawMessage(`{"secure_c_ses":"NEW_SES","host_c_oses":"NEW_OSES","csesidx":"222","config_id":"cfg-b"}`)
	a.ExpiresAt = &expires
	a.Status = model.StatusActive
	require.NoError(t, repo.SaveAccount(testContext(t), a))

	var raw string
	require.NoError(t, db.Raw("SELECT data FROM accounts WHERE account_id = ?", "user@outlook.com").Scan(&raw).Error)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, "NEW_SES", doc["secure_c_ses"])
	assert.Equal(t, "NEW_OSES", doc["host_c_oses"])
	assert.Equal(t, "222", doc["csesidx"])
	assert.Equal(t, "cfg-b", doc["config_id"])
	assert.Equal(t, "2024-05-02 16:00:00", doc["expires_at"])
	assert.Equal(t, "client-1", doc["mail_client_id"])
	assert.Equal(t, "refresh-1", doc["mail_refresh_token"])
	assert.Equal(t, "consumers", doc["mail_tenant"])
	assert.Equal(t, "2024-06-01", doc["trial_end"])
	assert.NotContains(t, doc, "credential")
}

func TestAccountRepo_SaveAccount_CredentialCannotOverrideModeledFields(t *testing.T) {
	d, db := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)
	insertAccount(t, db, "a", 1, `{"id":"a"}`)

	err := repo.SaveAccount(testContext(t), &model.Account{
		ID:             "a",
		Status:         model.StatusActive,
		CredentialBlob: json.RawMessage(`{"secure_c_ses":"s","status":"disabled","id":"other"}`),
	})
	require.NoError(t, err)

	var raw string
	require.NoError(t, db.Raw("SELECT data FROM accounts WHERE account_id = ?", "a").Scan(&raw).Error)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, "a", doc["id"])
	assert.Equal(t, "active", doc["status"])
	assert.Equal(t, "s", doc["secure_c_ses"])
}

func TestAccountRepo_SaveAccount_NotFound(t *testing.T) {
	d, _ := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)

	err := repo.SaveAccount(testContext(t), &model.Account{ID: "ghost", Status: model.StatusActive})

	var storageErr *model.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestAccountRepo_SaveAccount_InvalidCredential(t *testing.T) {
	d, db := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)
	insertAccount(t, db, "a", 1, `{"id":"a"}`)

	err := repo.SaveAccount(testContext(t), &model.Account{ID: "a", CredentialBlob: json.RawMessage(`{broken`)})
	var storageErr *model.StorageError
	assert.True(t, errors.As(err, &storageErr))

	err = repo.SaveAccount(testContext(t), &model.Account{ID: "a", CredentialBlob: json.RawMessage(`["not","an","object"]`)})
	assert.True(t, errors.As(err, &storageErr), "credential must be a JSON object")
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestAccountRepo_LoadConfig(t *testing.T) {
	d, db := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)

	cfg, err := repo.LoadConfig(testContext(t))
	require.NoError(t, err)
	assert.False(t, cfg.Found)

	require.NoError(t, db.Exec(
		"INSERT INTO kv_settings (key, value) VALUES (?, ?)",
		"settings", `{"basic":{"refresh_window_hours":"2","proxy_for_auth":"http://p:1"},"retry":{"scheduled_refresh_enabled":true}}`,
	).Error)

	cfg, err = repo.LoadConfig(testContext(t))
	require.NoError(t, err)
	assert.True(t, cfg.Found)
	assert.Equal(t, "2", cfg.Basic["refresh_window_hours"])
	assert.Equal(t, true, cfg.Retry["scheduled_refresh_enabled"])
}

func TestAccountRepo_LoadConfig_Malformed(t *testing.T) {
	d, db := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)
	require.NoError(t, db.Exec("INSERT INTO kv_settings (key, value) VALUES (?, ?)", "settings", `[1,2]`).Error)

	_, err := repo.LoadConfig(testContext(t))
	var storageErr *model.StorageError
	assert.True(t, errors.As(err, &storageErr))
}

func TestAccountRepo_SaveTaskHistory_Trims(t *testing.T) {
	d, db := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < taskHistoryLimit+5; i++ {
		task := &model.RefreshTask{
			ID:        fmt.Sprintf("task-%03d", i),
			AccountID: "a",
			State:     model.TaskSucceeded,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.SaveTaskHistory(testContext(t), task))
	}

	var count int64
	require.NoError(t, db.Table("task_history").Count(&count).Error)
	assert.Equal(t, int64(taskHistoryLimit), count)

	var oldest int64
	require.NoError(t, db.Table("task_history").Where("id = ?", "task-000").Count(&oldest).Error)
	assert.Zero(t, oldest)

	// upsert keeps a single row per id
	last := &model.RefreshTask{ID: "task-104", AccountID: "a", State: model.TaskFailed, FailureReason: "boom", CreatedAt: base.Add(time.Hour)}
	require.NoError(t, repo.SaveTaskHistory(testContext(t), last))

	var raw string
	require.NoError(t, db.Raw("SELECT data FROM task_history WHERE id = ?", "task-104").Scan(&raw).Error)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, "failed", doc["status"])
	assert.Equal(t, "boom", doc["error"])
	assert.Equal(t, "refresh", doc["kind"])
	assert.Equal(t, []interface{}{"a"}, doc["account_ids"])
}

func TestAccountRepo_SaveTaskHistory_RequiresID(t *testing.T) {
	d, _ := newTestData(t)
	repo := NewAccountRepo(d, log.DefaultLogger)
	assert.Error(t, repo.SaveTaskHistory(testContext(t), &model.RefreshTask{AccountID: "a"}))
}
