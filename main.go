package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/internal/database"
	"github.com/customeros/mailsync/internal/repository"
	"github.com/customeros/mailsync/server"
)

func main() {
	app := &cli.App{
		Name:  "mailsync",
		Usage: "import mail from user IMAP mailboxes into the store",
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "Start the HTTP API, sync request monitor and scheduler",
				Action: runServer,
			},
			{
				Name:   "sync-once",
				Usage:  "Sync every active mailbox configuration once and exit",
				Action: runSyncOnce,
			},
			{
				Name:   "migrate",
				Usage:  "Run database migrations",
				Action: runMigrate,
			},
			{
				Name:   "migrate-credentials",
				Usage:  "Re-encrypt legacy stored mailbox passwords",
				Action: runMigrateCredentials,
			},
			{
				Name:  "archive-backlog",
				Usage: "Move already-imported messages of one configuration into its archive folder",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "configuration",
						Aliases:  []string{"c"},
						Usage:    "mailbox configuration id",
						Required: true,
					},
				},
				Action: runArchiveBacklog,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("mailsync: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.InitConfig()
	if err != nil {
		return nil, fmt.Errorf("config initialization failed: %w", err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is empty")
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := database.NewConnection(&database.DatabaseConfig{
		DBName:          cfg.MailsyncDatabaseConfig.DBName,
		Host:            cfg.MailsyncDatabaseConfig.Host,
		Port:            cfg.MailsyncDatabaseConfig.Port,
		User:            cfg.MailsyncDatabaseConfig.User,
		Password:        cfg.MailsyncDatabaseConfig.Password,
		MaxConn:         cfg.MailsyncDatabaseConfig.MaxConn,
		MaxIdleConn:     cfg.MailsyncDatabaseConfig.MaxIdleConn,
		ConnMaxLifetime: cfg.MailsyncDatabaseConfig.ConnMaxLifetime,
		LogLevel:        cfg.MailsyncDatabaseConfig.LogLevel,
		SSLMode:         cfg.MailsyncDatabaseConfig.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("mailsync database initialization failed: %w", err)
	}
	return db, nil
}

func newServer() (*server.Server, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	srv, err := server.NewServer(cfg, db)
	if err != nil {
		return nil, fmt.Errorf("server setup failed: %w", err)
	}
	return srv, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func runServer(_ *cli.Context) error {
	log.Println("Mailsync starting up...")
	srv, err := newServer()
	if err != nil {
		return err
	}
	if err := srv.Run(); err != nil {
		return err
	}
	log.Println("Shutdown complete")
	return nil
}

func runSyncOnce(c *cli.Context) error {
	srv, err := newServer()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()
	return srv.SyncOnce(ctx)
}

func runMigrate(_ *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := repository.MigrateMailsyncDB(cfg.MailsyncDatabaseConfig, db); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed successfully")
	return nil
}

func runMigrateCredentials(c *cli.Context) error {
	srv, err := newServer()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()
	return srv.MigrateCredentials(ctx)
}

func runArchiveBacklog(c *cli.Context) error {
	srv, err := newServer()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()
	return srv.ArchiveBacklog(ctx, c.String("configuration"))
}
