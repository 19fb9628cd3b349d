// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/router-for-me/CLIProxyAPICredits/internal/db"
	"gorm.io/gorm"
)

// Open returns a migrated SQLite database stored under t.TempDir.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := db.SQLiteDSN(filepath.Join(t.TempDir(), "credits-test.db"))
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}
