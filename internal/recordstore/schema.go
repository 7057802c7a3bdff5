package recordstore

import (
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"gorm.io/gorm"
)

const migrationNormalizeIdentityEmails = "2026-10-01_normalize_identity_emails"

// Schema describes the record store database for database.OpenSQLite.
func Schema() database.Schema {
	return database.Schema{
		Name: "recordstore",
		Models: []any{
			&Partition{},
			&Grant{},
			&StoredRecord{},
			&RecordChange{},
			&ScopeChange{},
			&ScopeEpoch{},
			&SubscriptionRow{},
			&Identity{},
		},
		Migrations: []database.Migration{
			{Name: migrationNormalizeIdentityEmails, Apply: normalizeIdentityEmails},
		},
	}
}

func normalizeIdentityEmails(db *gorm.DB) error {
	return db.Model(&Identity{}).
		Where("user_email <> lower(trim(user_email))").
		Update("user_email", gorm.Expr("lower(trim(user_email))")).Error
}
