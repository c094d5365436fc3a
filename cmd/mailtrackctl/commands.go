package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailtrack/backend/internal/config"
	"mailtrack/backend/internal/logger"
	"mailtrack/backend/internal/service"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/storage/hybrid"
	"mailtrack/backend/internal/storage/redis"
	sqlstore "mailtrack/backend/internal/storage/sql"
)

var errNoDatabase = errors.New("database.type is not configured (set MAILTRACK_DATABASE_TYPE and MAILTRACK_DATABASE_DSN)")

// userStore 命令行只需要用户读写
type userStore interface {
	storage.UserRepository
	Close() error
}

// app 保存命令共享的配置、日志和存储入口，测试时可替换存储
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	logLevel string

	openUsers func(cfg *config.Config, log *zap.Logger) (userStore, error)
	migrate   func(cfg *config.Config) error
}

func newDefaultApp() *app {
	return &app{
		openUsers: func(cfg *config.Config, log *zap.Logger) (userStore, error) {
			db, err := openSQLStore(cfg, cfg.Database.AutoMigrate)
			if err != nil {
				return nil, err
			}
			return withUserCache(db, cfg, log)
		},
		migrate: func(cfg *config.Config) error {
			store, err := openSQLStore(cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Migrate()
		},
	}
}

func openSQLStore(cfg *config.Config, autoMigrate bool) (*sqlstore.Store, error) {
	if cfg.Database.Type == "" {
		return nil, errNoDatabase
	}
	return sqlstore.NewStore(sqlstore.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		AutoMigrate:     autoMigrate,
	})
}

// withUserCache 配置了 Redis 时通过混合存储写入，保存用户会同时清除服务端的用户缓存
func withUserCache(db storage.Store, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Redis.Address == "" {
		return db, nil
	}
	cache, err := redis.NewCache(redis.Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize redis cache: %w", err)
	}
	return hybrid.NewStore(db, cache, log), nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailtrackctl",
		Short:         "Administrative tasks for the mailtrack backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := cfg.Log.Level
			if a.logLevel != "" {
				level = a.logLevel
			}
			log, err := logger.NewLogger(logger.Config{Level: level, Development: cfg.Log.Development})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			a.cfg = cfg
			a.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(newMigrateCmd(a), newUserCmd(a))
	return root
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the users and sent_emails tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := a.migrate(a.cfg); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.log.Info("migration completed",
				zap.String("database", a.cfg.Database.Type),
				zap.Duration("took", time.Since(start)))
			fmt.Fprintln(cmd.OutOrStdout(), "migration completed")
			return nil
		},
	}
}

func newUserCmd(a *app) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage registered users and their access tokens",
	}

	var email, token string
	setToken := &cobra.Command{
		Use:   "set-token",
		Short: "Register a user or replace the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openUsers(a.cfg, a.log)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := service.NewUserService(store, a.log).SetToken(email, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential saved for %s\n", user.Email)
			return nil
		},
	}
	setToken.Flags().StringVar(&email, "email", "", "user email address")
	setToken.Flags().StringVar(&token, "token", "", "OAuth access token")
	_ = setToken.MarkFlagRequired("email")
	_ = setToken.MarkFlagRequired("token")

	var showEmail string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show whether a user has a stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openUsers(a.cfg, a.log)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := service.NewUserService(store, a.log).GetUser(showEmail)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "email: %s\ncredential: %t\nupdated: %s\n",
				user.Email, user.HasCredential(), user.UpdatedAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	show.Flags().StringVar(&showEmail, "email", "", "user email address")
	_ = show.MarkFlagRequired("email")

	userCmd.AddCommand(setToken, show)
	return userCmd
}
