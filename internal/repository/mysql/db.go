package mysql

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/datamodels/chat"
	"github.com/example/chatgateway/internal/datamodels/user"
)

// Open 按配置打开数据库并自动迁移表结构，由调用方负责关闭
func Open(cfg *config.MySQLConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(zap.L().Named("gorm")),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// newGormLogger 把 gorm 的慢查询与错误日志接入 zap，查不到记录属于正常分支不记录
func newGormLogger(log *zap.Logger) logger.Interface {
	std, err := zap.NewStdLogAt(log, zap.WarnLevel)
	if err != nil {
		std = zap.NewStdLog(log)
	}
	return logger.New(std, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Migrate 自动迁移聊天相关表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&user.User{}, &chat.Room{}, &chat.Message{}, &chat.MessageRead{}); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// storeErr 把驱动错误归类为领域错误，避免上层感知 gorm 细节
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return chat.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", chat.ErrConflict, err)
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrConflict),
		errors.Is(err, chat.ErrValidation), errors.Is(err, chat.ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}
}
