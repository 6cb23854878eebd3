package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	})

	SetLevel("warn")
	Infof("[ingest] hidden %d", 1)
	Warnf("[ingest] shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")

	buf.Reset()
	SetLevel("debug")
	Debugf("[backfill] page fetched config_id=%d", 3)
	assert.Contains(t, buf.String(), "service=feedhub")
	assert.Contains(t, buf.String(), "config_id=3")

	buf.Reset()
	With("backfill").Debug("page fetched", "config_id", 4)
	assert.Contains(t, buf.String(), "component=backfill")
	assert.Contains(t, buf.String(), "config_id=4")
}

func TestJSONFormatCarriesEnv(t *testing.T) {
	var buf bytes.Buffer
	current.Store(build(&buf, "json", "prod"))
	t.Cleanup(func() { SetOutput(os.Stdout) })

	Errorf("[ingest] task %d failed", 7)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "[ingest] task 7 failed", rec["msg"])
	assert.Equal(t, "prod", rec["env"])
	assert.Equal(t, "feedhub", rec["service"])
}

func TestSetupWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "feedhub.log")
	closer, err := Setup(Options{Level: "info", Path: path, MaxSizeMB: 1})
	require.NoError(t, err)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	Infof("[app] hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
