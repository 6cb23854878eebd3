package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	env := map[string]string{
		"FEEDHUB_LBANK_MAIN_API_KEY":    "key",
		"FEEDHUB_LBANK_MAIN_API_SECRET": " secret ",
	}
	p := NewEnv("")
	p.lookup = func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	c, err := p.Get(context.Background(), "lbank-main")
	require.NoError(t, err)
	assert.Equal(t, "key", c.APIKey)
	assert.Equal(t, "secret", c.APISecret)
	assert.Empty(t, c.Passphrase)

	_, err = p.Get(context.Background(), "binance")
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = p.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("FEEDHUB_DOTENV_TEST_API_KEY=abc\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FEEDHUB_DOTENV_TEST_API_KEY") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	c, err := NewEnv("feedhub").Get(context.Background(), "dotenv_test")
	require.NoError(t, err)
	assert.Equal(t, "abc", c.APIKey)
}

func TestStatic(t *testing.T) {
	s := Static{"nobitex": {APIKey: "tok"}}
	c, err := s.Get(context.Background(), "nobitex")
	require.NoError(t, err)
	assert.Equal(t, "tok", c.APIKey)
	_, err = s.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoCredentials)
}
