package migrations

import (
	"github.com/courierhq/email-courier/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_notification_records",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.RecordModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_records_user_status_created ON notification_records (user_id, status, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_records_retry ON notification_records (next_retry_at) WHERE status = 'pending'`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.RecordModel{})
			},
		},
		{
			ID: "000002_add_record_priority_metadata",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.RecordModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				if err := tx.Migrator().DropColumn(&repository.RecordModel{}, "priority"); err != nil {
					return err
				}
				return tx.Migrator().DropColumn(&repository.RecordModel{}, "metadata")
			},
		},
	})

	return m.Migrate()
}
