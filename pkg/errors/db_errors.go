// Package errors provides database error classification and handling utilities.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// DatabaseErrorType represents the type of database error.
type DatabaseErrorType int

const (
	// ErrorTypeUnknown represents an unknown database error.
	ErrorTypeUnknown DatabaseErrorType = iota
	// ErrorTypeDuplicateKey represents a unique constraint violation.
	ErrorTypeDuplicateKey
	// ErrorTypeConstraintViolation represents a foreign key or check constraint violation.
	ErrorTypeConstraintViolation
	// ErrorTypeInvalidJSON represents invalid JSON data in a JSON column.
	ErrorTypeInvalidJSON
	// ErrorTypeDataTooLong represents a value exceeding the column size.
	ErrorTypeDataTooLong
	// ErrorTypeNotFound represents a record not found error.
	ErrorTypeNotFound
	// ErrorTypeDeadlock represents a deadlock or serialization failure.
	ErrorTypeDeadlock
	// ErrorTypeConnectionError represents a database connection error.
	ErrorTypeConnectionError
	// ErrorTypeInvalidValue represents an invalid value error.
	ErrorTypeInvalidValue
	// ErrorTypeBusy represents a locked database (SQLite busy / lock wait timeout).
	ErrorTypeBusy
	// ErrorTypeCanceled represents a context cancellation or deadline.
	ErrorTypeCanceled
)

var typeNames = map[DatabaseErrorType]string{
	ErrorTypeUnknown:             "unknown",
	ErrorTypeDuplicateKey:        "duplicate_key",
	ErrorTypeConstraintViolation: "constraint_violation",
	ErrorTypeInvalidJSON:         "invalid_json",
	ErrorTypeDataTooLong:         "data_too_long",
	ErrorTypeNotFound:            "not_found",
	ErrorTypeDeadlock:            "deadlock",
	ErrorTypeConnectionError:     "connection",
	ErrorTypeInvalidValue:        "invalid_value",
	ErrorTypeBusy:                "busy",
	ErrorTypeCanceled:            "canceled",
}

// String returns a stable label, used as a log field.
func (t DatabaseErrorType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// DatabaseError wraps a database error with classification information.
type DatabaseError struct {
	Type        DatabaseErrorType
	OriginalErr error
	Dialect     string // postgres / mysql / sqlite, empty when not driver specific
	Code        string // SQLSTATE for postgres, error number for mysql
	Message     string
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s error %s): %v", e.Message, e.Dialect, e.Code, e.OriginalErr)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *DatabaseError) Unwrap() error {
	return e.OriginalErr
}

// Transient reports whether retrying the same statement later may succeed.
func (e *DatabaseError) Transient() bool {
	switch e.Type {
	case ErrorTypeConnectionError, ErrorTypeDeadlock, ErrorTypeBusy:
		return true
	default:
		return false
	}
}

// ClassifyDBError classifies a database error into a specific error type.
//
// It handles GORM sentinels and driver errors of the three supported dialects:
//   - gorm.ErrRecordNotFound → ErrorTypeNotFound
//   - PostgreSQL SQLSTATE class 23 / 40 / 08 / 22 (lib/pq)
//   - MySQL 1062 / 1213 / 1205 / 3140 ... (go-sql-driver)
//   - SQLite result messages ("UNIQUE constraint failed", "database is locked")
//   - context errors → ErrorTypeCanceled
//   - Connection errors → ErrorTypeConnectionError
func ClassifyDBError(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return dbErr
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &DatabaseError{Type: ErrorTypeNotFound, OriginalErr: err, Message: "record not found"}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &DatabaseError{Type: ErrorTypeCanceled, OriginalErr: err, Message: "statement canceled"}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgresError(err, pqErr)
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return classifyMySQLError(err, mysqlErr)
	}

	msg := strings.ToLower(err.Error())
	if dbErr := classifySQLiteMessage(err, msg); dbErr != nil {
		return dbErr
	}

	if isConnectionError(msg) {
		return &DatabaseError{Type: ErrorTypeConnectionError, OriginalErr: err, Message: "database connection error"}
	}

	return &DatabaseError{Type: ErrorTypeUnknown, OriginalErr: err, Message: "unknown database error"}
}

// classifyPostgresError 按 SQLSTATE 分类
func classifyPostgresError(orig error, err *pq.Error) *DatabaseError {
	code := string(err.Code)
	out := &DatabaseError{OriginalErr: orig, Dialect: "postgres", Code: code}

	switch {
	case code == "23505": // unique_violation
		out.Type, out.Message = ErrorTypeDuplicateKey, "duplicate key constraint violation"
	case code == "23503", code == "23514": // foreign_key_violation, check_violation
		out.Type, out.Message = ErrorTypeConstraintViolation, "constraint violation"
	case code == "23502": // not_null_violation
		out.Type, out.Message = ErrorTypeInvalidValue, "column cannot be null"
	case code == "40P01", code == "40001": // deadlock_detected, serialization_failure
		out.Type, out.Message = ErrorTypeDeadlock, "deadlock detected"
	case code == "55P03": // lock_not_available
		out.Type, out.Message = ErrorTypeBusy, "lock not available"
	case code == "22001": // string_data_right_truncation
		out.Type, out.Message = ErrorTypeDataTooLong, "data too long for column"
	case code == "22P02" && strings.Contains(strings.ToLower(err.Message), "json"):
		out.Type, out.Message = ErrorTypeInvalidJSON, "invalid JSON data"
	case strings.HasPrefix(code, "22"):
		out.Type, out.Message = ErrorTypeInvalidValue, "invalid value"
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03":
		// connection_exception, admin/crash shutdown, cannot_connect_now
		out.Type, out.Message = ErrorTypeConnectionError, "database connection error"
	default:
		out.Type, out.Message = ErrorTypeUnknown, "PostgreSQL error"
	}
	return out
}

// classifyMySQLError classifies a MySQL-specific error.
func classifyMySQLError(orig error, err *mysql.MySQLError) *DatabaseError {
	out := &DatabaseError{OriginalErr: orig, Dialect: "mysql", Code: fmt.Sprintf("%d", err.Number)}

	switch err.Number {
	case 1062: // ER_DUP_ENTRY
		out.Type, out.Message = ErrorTypeDuplicateKey, "duplicate key constraint violation"
	case 3140, 3141, 3142, 3143: // JSON text / path / size / type
		out.Type, out.Message = ErrorTypeInvalidJSON, "invalid JSON data"
	case 1406: // ER_DATA_TOO_LONG
		out.Type, out.Message = ErrorTypeDataTooLong, "data too long for column"
	case 1451, 1452: // foreign key
		out.Type, out.Message = ErrorTypeConstraintViolation, "foreign key constraint violation"
	case 1213: // ER_LOCK_DEADLOCK
		out.Type, out.Message = ErrorTypeDeadlock, "deadlock detected"
	case 1205: // ER_LOCK_WAIT_TIMEOUT
		out.Type, out.Message = ErrorTypeBusy, "lock wait timeout"
	case 1048, 1265, 1366: // null / truncated / wrong value
		out.Type, out.Message = ErrorTypeInvalidValue, "invalid or truncated value"
	case 2002, 2003, 2006, 2013: // can't connect / server gone away / lost connection
		out.Type, out.Message = ErrorTypeConnectionError, "database connection error"
	default:
		out.Type, out.Message = ErrorTypeUnknown, "MySQL error"
	}
	return out
}

// classifySQLiteMessage SQLite 驱动只暴露错误文本，按消息匹配
func classifySQLiteMessage(err error, msg string) *DatabaseError {
	out := &DatabaseError{OriginalErr: err, Dialect: "sqlite"}
	switch {
	case strings.Contains(msg, "unique constraint failed"), strings.Contains(msg, "primary key must be unique"):
		out.Type, out.Message = ErrorTypeDuplicateKey, "duplicate key constraint violation"
	case strings.Contains(msg, "foreign key constraint failed"), strings.Contains(msg, "check constraint failed"):
		out.Type, out.Message = ErrorTypeConstraintViolation, "constraint violation"
	case strings.Contains(msg, "not null constraint failed"):
		out.Type, out.Message = ErrorTypeInvalidValue, "column cannot be null"
	case strings.Contains(msg, "malformed json"):
		out.Type, out.Message = ErrorTypeInvalidJSON, "invalid JSON data"
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"), strings.Contains(msg, "database table is locked"):
		out.Type, out.Message = ErrorTypeBusy, "database is locked"
	case strings.Contains(msg, "unable to open database file"), strings.Contains(msg, "disk i/o error"):
		out.Type, out.Message = ErrorTypeConnectionError, "database connection error"
	default:
		return nil
	}
	return out
}

// isConnectionError checks if the error message indicates a connection problem.
func isConnectionError(msg string) bool {
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"connection lost",
		"can't connect",
		"dial tcp",
		"bad connection",
		"sql: database is closed",
	}
	for _, keyword := range connectionKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// IsDuplicateKeyError checks if the error is a duplicate key constraint violation.
func IsDuplicateKeyError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeDuplicateKey
}

// IsNotFoundError checks if the error is a record not found error.
func IsNotFoundError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeNotFound
}

// IsInvalidJSONError checks if the error is an invalid JSON error.
func IsInvalidJSONError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeInvalidJSON
}

// IsTransient reports whether the error is worth retrying on the next cycle
// without operator action.
func IsTransient(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Transient()
}
