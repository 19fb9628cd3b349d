package db

import (
	"fmt"

	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// autoMigrate creates or updates every table owned by the service.
func autoMigrate(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.Plan{},
		&models.Subscription{},
		&models.CreditBalance{},
		&models.CreditTransaction{},
		&models.Agent{},
		&models.Tool{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// migratePostgres applies PostgreSQL-specific constraints and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrate(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}

	if errBalanceCheck := conn.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint WHERE conname = 'chk_credit_balances_non_negative'
			) THEN
				ALTER TABLE credit_balances
				ADD CONSTRAINT chk_credit_balances_non_negative
				CHECK (used_credits >= 0 AND available_credits >= 0);
			END IF;
		END $$;
	`).Error; errBalanceCheck != nil {
		return fmt.Errorf("db: add balance check: %w", errBalanceCheck)
	}
	if errConsistencyCheck := conn.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint WHERE conname = 'chk_credit_balances_consistent'
			) THEN
				ALTER TABLE credit_balances
				ADD CONSTRAINT chk_credit_balances_consistent
				CHECK (available_credits = total_credits - used_credits);
			END IF;
		END $$;
	`).Error; errConsistencyCheck != nil {
		return fmt.Errorf("db: add balance consistency check: %w", errConsistencyCheck)
	}
	if errUsageIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_type_created
		ON credit_transactions (user_id, type, created_at)
	`).Error; errUsageIdx != nil {
		return fmt.Errorf("db: create usage index: %w", errUsageIdx)
	}
	if errDueIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_subscriptions_status_period_end
		ON subscriptions (status, period_end)
	`).Error; errDueIdx != nil {
		return fmt.Errorf("db: create subscription due index: %w", errDueIdx)
	}
	return nil
}

// migrateSQLite applies SQLite-specific indexes. Check constraints are left to the ledger.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrate(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}

	if errUsageIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_type_created
		ON credit_transactions (user_id, type, created_at)
	`).Error; errUsageIdx != nil {
		return fmt.Errorf("db: create usage index: %w", errUsageIdx)
	}
	if errDueIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_subscriptions_status_period_end
		ON subscriptions (status, period_end)
	`).Error; errDueIdx != nil {
		return fmt.Errorf("db: create subscription due index: %w", errDueIdx)
	}
	return nil
}
