package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // 注册 pgx database/sql 驱动
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	pgdialect "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempmail/aliasmx/internal/storage"
)

// kvEntry 状态表的一行
type kvEntry struct {
	Name      string    `gorm:"primaryKey;size:191"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (kvEntry) TableName() string {
	return "kv_entries"
}

// Store SQL 键值存储实现（PostgreSQL / MySQL）
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewStore 创建 PostgreSQL 存储实例并迁移表结构
func NewStore(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return openAndMigrate(ctx, pgdialect.New(pgdialect.Config{Conn: sqlDB}), log)
}

// NewMySQLStore 创建 MySQL 存储实例并迁移表结构
func NewMySQLStore(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	return openAndMigrate(ctx, mysql.Open(dsn), log)
}

func openAndMigrate(ctx context.Context, dialector gorm.Dialector, log *zap.Logger) (*Store, error) {
	store, err := NewStoreWithDialector(dialector, log)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例，不做迁移
func NewStoreWithDialector(dialector gorm.Dialector, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	config := &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// 单进程客户端，少量连接足够
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	log.Info("connected to database", zap.String("dialect", dialector.Name()))
	return &Store{db: db, log: log}, nil
}

// Migrate 自动迁移状态表
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&kvEntry{})
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var entries []kvEntry
	err := s.db.WithContext(ctx).Where("name = ?", key).Limit(1).Find(&entries).Error
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(entries) == 0 {
		return "", storage.ErrNotFound
	}
	return entries[0].Value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	entry := kvEntry{Name: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", key).Delete(&kvEntry{}).Error; err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Health 测试数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接池
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		s.log.Error("failed to close database connection", zap.Error(err))
		return err
	}
	s.log.Info("database connection closed")
	return nil
}
