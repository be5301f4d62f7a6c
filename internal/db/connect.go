package db

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zulandar/medconsult/internal/config"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQLDSN builds a go-sql-driver DSN for the ledger database.
func MySQLDSN(cfg config.DatabaseConfig) string {
	dc := mysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dc.DBName = cfg.Name
	dc.ParseTime = true
	return dc.FormatDSN()
}

// PostgresDSN builds a pgx URL DSN for the ledger database.
func PostgresDSN(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=disable",
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	return u.String()
}

// SQLiteDSN builds a mattn/go-sqlite3 DSN with a busy timeout and foreign
// keys enabled.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}

// Connect opens a GORM connection for the configured driver.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "mysql":
		db, err := gorm.Open(gormmysql.Open(MySQLDSN(cfg)), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("db: connect to mysql %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
		}
		return db, nil
	case "postgres":
		db, err := gorm.Open(postgres.Open(PostgresDSN(cfg)), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("db: connect to postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
		}
		return db, nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a SQLite database at path. SQLite has a single writer, so
// the pool is limited to one connection and transactions run one at a time.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(SQLiteDSN(path)), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite pool %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}

// IsDuplicateKey reports whether err is a unique-constraint violation from
// any supported driver.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}
