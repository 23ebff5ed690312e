// Package db
package db

import (
	"database/sql"

	"papertrader/internal/audit"
)

// Storage is the interface for all persistent audit storage.
type Storage interface {
	GetDB() *sql.DB
	audit.Auditor
}
