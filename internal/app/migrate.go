package app

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
)

// AutoMigrate 自动执行数据库迁移
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.AuthorizationRecord{}); err != nil {
		logger.Error("auto migration failed", zap.Error(err))
		return err
	}
	return nil
}
