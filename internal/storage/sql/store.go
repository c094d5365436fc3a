package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver (注册为 "pgx")
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

// Config SQL 存储配置
type Config struct {
	Type            string // "mysql" 或 "postgres"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool // 启动时执行表结构迁移
}

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db     *sql.DB
	gormDB *gorm.DB

	*storage.WindowCounter
}

// NewStore 创建SQL数据库存储
func NewStore(cfg Config) (*Store, error) {
	driverName, err := driverFor(cfg.Type)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var dialector gorm.Dialector
	if cfg.Type == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	store, err := newStore(db, dialector)
	if err != nil {
		db.Close()
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

// newStore 在已有连接上初始化 GORM
func newStore(db *sql.DB, dialector gorm.Dialector) (*Store, error) {
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	return &Store{
		db:            db,
		gormDB:        gormDB,
		WindowCounter: storage.NewWindowCounter(),
	}, nil
}

func driverFor(dbType string) (string, error) {
	switch dbType {
	case "mysql":
		return "mysql", nil
	case "postgres", "postgresql":
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", dbType)
	}
}

// Migrate 创建或更新 users 与 sent_emails 表
func (s *Store) Migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.User{},
		&domain.SentEmail{},
	)
}

// DB 返回底层连接，用于健康检查
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// ========== User Repository ==========

// SaveUser 按邮箱创建或更新用户
func (s *Store) SaveUser(user *domain.User) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		var existing domain.User
		err := tx.Where("email = ?", user.Email).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(user).Error
		case err != nil:
			return err
		}

		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
		return tx.Model(&domain.User{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"access_token": user.AccessToken,
				"updated_at":   time.Now().UTC(),
			}).Error
	})
}

// GetUserByEmail 根据邮箱获取用户
func (s *Store) GetUserByEmail(email string) (*domain.User, error) {
	var user domain.User
	err := s.gormDB.Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ========== SentEmail Repository ==========

// CreateSentEmail 保存发送记录
func (s *Store) CreateSentEmail(email *domain.SentEmail) error {
	if email.SentAt.IsZero() {
		email.SentAt = time.Now().UTC()
	}
	if err := s.gormDB.Create(email).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrTrackingIDExists
		}
		return err
	}
	return nil
}

// GetSentEmailByTrackingID 根据追踪ID获取发送记录
func (s *Store) GetSentEmailByTrackingID(trackingID string) (*domain.SentEmail, error) {
	var record domain.SentEmail
	err := s.gormDB.Where("tracking_id = ?", trackingID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrSentEmailNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ListSentEmailsByFrom 按发送时间倒序返回指定发件人的最近记录
func (s *Store) ListSentEmailsByFrom(from string, limit int) ([]domain.SentEmail, error) {
	records := make([]domain.SentEmail, 0)
	query := s.gormDB.Where("from_address = ?", from).Order("sent_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// MarkSentEmailOpened 仅更新尚未打开的记录，RowsAffected 为 0 表示已被打开过
func (s *Store) MarkSentEmailOpened(trackingID string, openedAt time.Time) (bool, error) {
	result := s.gormDB.Model(&domain.SentEmail{}).
		Where("tracking_id = ? AND opened = ?", trackingID, false).
		Updates(map[string]interface{}{
			"opened":    true,
			"opened_at": openedAt.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// 区分已打开与不存在
	if _, err := s.GetSentEmailByTrackingID(trackingID); err != nil {
		return false, err
	}
	return false, nil
}
