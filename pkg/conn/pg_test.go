package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNFromFields(t *testing.T) {
	dsn, err := Option{
		Host:     "db",
		User:     "gw",
		Password: "p@ss",
		Database: "journal",
		Params:   map[string]string{"connect_timeout": "3", "application_name": "tradegate", "": "x"},
	}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://gw:p%40ss@db:5432/journal?application_name=tradegate&connect_timeout=3&sslmode=disable", dsn)
}

func TestDSNDefaultsAndPassthrough(t *testing.T) {
	dsn, err := Option{}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost:5432?sslmode=disable", dsn)

	dsn, err = Option{DSN: " host=db user=gw ", Host: "ignored"}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "host=db user=gw", dsn)

	_, err = Option{Port: 70000}.dsn()
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	assert.Equal(t, "postgres://gw:xxxxx@db:5432?sslmode=disable", Option{Host: "db", User: "gw", Password: "secret"}.redacted())
	assert.Equal(t, "host=db password=xxxxx user=gw", Option{DSN: "host=db password=secret user=gw"}.redacted())
}

func TestNormalize(t *testing.T) {
	opt := Option{MaxOpenConns: 2, MaxIdleConns: 10}
	opt.normalize()
	assert.Equal(t, 2, opt.MaxIdleConns)
	assert.Equal(t, defaultConnMaxLifetime, opt.ConnMaxLifetime)
	assert.Equal(t, defaultPingTimeout, opt.PingTimeout)
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err := Open(ctx, Option{
		DSN:         "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1",
		PingTimeout: time.Second,
	})
	assert.Error(t, err)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.Nil(t, c.DB())
	assert.NoError(t, c.Close())
}
