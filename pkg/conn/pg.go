package conn

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
	defaultMaxOpenConns    = 4
	defaultConnMaxLifetime = 30 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// Option defines connection options for PostgreSQL. DSN, when set, is used as
// is and the discrete fields are ignored.
type Option struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Params   map[string]string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration

	// Config overrides the gorm config. The default silences gorm's logger.
	Config *gorm.Config
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	opt Option
	db  *gorm.DB
}

// Open connects, sizes the pool and pings the server.
func Open(ctx context.Context, option Option) (*Client, error) {
	option.normalize()
	dsn, err := option.dsn()
	if err != nil {
		return nil, err
	}

	config := option.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}

	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, errors.Wrapf(err, "open postgres %s", option.redacted())
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db")
	}
	sqlDB.SetMaxOpenConns(option.MaxOpenConns)
	sqlDB.SetMaxIdleConns(option.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(option.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, option.PingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrapf(err, "ping postgres %s", option.redacted())
	}

	return &Client{opt: option, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt *Option) normalize() {
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = defaultMaxOpenConns
	}
	if opt.MaxIdleConns <= 0 || opt.MaxIdleConns > opt.MaxOpenConns {
		opt.MaxIdleConns = opt.MaxOpenConns
	}
	if opt.ConnMaxLifetime <= 0 {
		opt.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if opt.PingTimeout <= 0 {
		opt.PingTimeout = defaultPingTimeout
	}
}

func (opt Option) dsn() (string, error) {
	if dsn := strings.TrimSpace(opt.DSN); dsn != "" {
		return dsn, nil
	}
	if opt.Port < 0 || opt.Port > 65535 {
		return "", errors.Errorf("postgres port %d out of range", opt.Port)
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	keys := make([]string, 0, len(opt.Params))
	for key := range opt.Params {
		if key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		query.Set(key, opt.Params[key])
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// redacted renders the target without credentials, for logs and errors.
func (opt Option) redacted() string {
	dsn, err := opt.dsn()
	if err != nil {
		return "<invalid>"
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		// key=value form
		fields := strings.Fields(dsn)
		for i, f := range fields {
			if strings.HasPrefix(f, "password=") {
				fields[i] = "password=xxxxx"
			}
		}
		return strings.Join(fields, " ")
	}
	return u.Redacted()
}
