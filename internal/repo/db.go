package repo

import (
	"fmt"
	"log"
	"time"

	"round-engine/internal/config"
	"round-engine/internal/model"
	"round-engine/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var DB *gorm.DB

func InitDB() {
	dialector, err := openDialector(config.GlobalConfig.Database)
	if err != nil {
		logger.Log.Fatal("Unsupported database driver", zap.Error(err))
	}
	DB, err = gorm.Open(dialector, &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		logger.Log.Fatal("Failed to connect to database",
			zap.String("driver", config.GlobalConfig.Database.Driver),
			zap.Error(err),
		)
	}

	if err := DB.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
}

func openDialector(conf config.DatabaseConfig) (gorm.Dialector, error) {
	switch conf.Driver {
	case "", "postgres":
		return postgres.Open(conf.DSN), nil
	case "mysql":
		return mysql.Open(conf.DSN), nil
	case "sqlite":
		return sqlite.Open(conf.DSN), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", conf.Driver)
	}
}
