package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryDSNTypes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(dir, "a.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(dir, "b.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sink)
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	tests := []struct {
		dsn      string
		addr     string
		table    string
		database string
		user     string
		password string
	}{
		{"clickhouse://localhost:9000?table=events", "localhost:9000", "events", "", "", ""},
		{"clickhouse://ch.internal", "ch.internal:9000", "engine_history", "", "", ""},
		{"clickhouse://", "localhost:9000", "engine_history", "", "", ""},
		{"clickhouse://bob:s3cret@db:9440/analytics?table=t", "db:9440", "t", "analytics", "bob", "s3cret"},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			addr, table, opts, err := ParseClickHouseDSN(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.addr, addr)
			assert.Equal(t, tt.table, table)
			assert.Equal(t, tt.database, opts.Database)
			assert.Equal(t, tt.user, opts.Username)
			assert.Equal(t, tt.password, opts.Password)
		})
	}
}

func TestNewSinksClosesOnError(t *testing.T) {
	dir := t.TempDir()
	_, err := NewSinks([]string{"sqlite://" + filepath.Join(dir, "ok.db"), "bogus://x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus://x")

	sinks, err := NewSinks([]string{"sqlite://:memory:"})
	require.NoError(t, err)
	assert.Len(t, sinks, 1)
}

func TestRedact(t *testing.T) {
	assert.NotContains(t, redact("postgres://u:pw@h/db"), "pw")
	assert.Equal(t, "/tmp/x.db", redact("/tmp/x.db"))
}
