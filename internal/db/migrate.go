package db

import (
	"fmt"

	"github.com/doorman-gateway/accounting/internal/models"
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

// accountingModels lists every table owned by the service, parents first.
func accountingModels() []any {
	return []any{
		&models.AccountingGroup{},
		&models.AccountingTier{},
		&models.UserBalance{},
		&models.BalanceEvent{},
	}
}

// migratePostgres applies PostgreSQL-specific schema updates and constraints.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(accountingModels()...); errAutoMigrate != nil {
		return fmt.Errorf("db: auto migrate: %w", errAutoMigrate)
	}

	checks := []struct {
		table string
		name  string
		expr  string
	}{
		{"accounting_tiers", "chk_accounting_tiers_quota", "quota >= 0"},
		{"accounting_tiers", "chk_accounting_tiers_input_limit", "input_limit >= 0"},
		{"accounting_tiers", "chk_accounting_tiers_output_limit", "output_limit >= 0"},
		{"accounting_tiers", "chk_accounting_tiers_reset_frequency", "reset_frequency IN ('daily','weekly','monthly','yearly','never')"},
		{"user_balances", "chk_user_balances_available", "available >= 0"},
	}
	for _, check := range checks {
		if errCheck := conn.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
				IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = '%s') THEN
					ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s);
				END IF;
			END $$;
		`, check.name, check.table, check.name, check.expr)).Error; errCheck != nil {
			return fmt.Errorf("db: add constraint %s: %w", check.name, errCheck)
		}
	}

	if errIndex := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_user_balances_reset_due
		ON user_balances (kind, group_id, tier_name, last_reset_at)
	`).Error; errIndex != nil {
		return fmt.Errorf("db: create reset due index: %w", errIndex)
	}
	return nil
}

// migrateSQLite applies SQLite schema updates. CHECK constraints cannot be added after
// table creation, so non-negativity is enforced by the conditional updates instead.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(accountingModels()...); errAutoMigrate != nil {
		return fmt.Errorf("db: auto migrate: %w", errAutoMigrate)
	}
	if errIndex := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_user_balances_reset_due
		ON user_balances (kind, group_id, tier_name, last_reset_at)
	`).Error; errIndex != nil {
		return fmt.Errorf("db: create reset due index: %w", errIndex)
	}
	return nil
}
