package migration

import (
	"strings"

	"github.com/flowline/flowline/internal/config"
	"github.com/flowline/flowline/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger, seeder *seed.Seeder) error {
		if !strings.EqualFold(cfg.DBType, "postgres") {
			// Tests and embedded setups create their own schema.
			log.Warn("migration.skipped", zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		return seeder.EnsureDefaultCatalog()
	}),
)
