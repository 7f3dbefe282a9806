package repo

import (
	"errors"
	"fmt"
	"testing"

	"round-engine/internal/config"
	"round-engine/internal/model"

	"gorm.io/gorm"
)

func TestInitDBTranslatesDuplicateKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	}
	config.GlobalConfig = cfg

	InitDB()
	if !DB.Config.TranslateError {
		t.Fatalf("driver errors must be translated")
	}

	if err := DB.Create(&model.Operator{Username: "ops", PasswordHash: "x", Status: "active"}).Error; err != nil {
		t.Fatalf("create operator: %v", err)
	}
	err := DB.Create(&model.Operator{Username: "ops", PasswordHash: "y", Status: "active"}).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected duplicated key, got %v", err)
	}
}

func TestOpenDialectorRejectsUnknownDriver(t *testing.T) {
	if _, err := openDialector(config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
