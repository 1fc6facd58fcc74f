package startup

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/migrations"
)

func TestWithRetry_RecoversAfterFailure(t *testing.T) {
	calls := 0
	got := withRetry(time.Minute, "test: ", "thing", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations.Files, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
}
