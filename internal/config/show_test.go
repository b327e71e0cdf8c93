package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Supabase.URL = "https://abcd.supabase.co"
	cfg.Supabase.AnonKey = "eyJhbGciOiJIUzI1NiJ9.secret.part"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, "/etc/crewplan.toml", &buf))

	out := buf.String()
	assert.Contains(t, out, "/etc/crewplan.toml")
	assert.Contains(t, out, `url                 = "https://abcd.supabase.co"`)
	assert.Contains(t, out, "[debounce.windows]")
	assert.Contains(t, out, `employees        = "3s"`)
	assert.NotContains(t, out, "secret", "anon key is masked")
	assert.Contains(t, out, `"eyJh...part"`)
}

func TestMaskSecret(t *testing.T) {
	t.Parallel()

	assert.Empty(t, maskSecret(""))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "abcd...wxyz", maskSecret("abcdefghijklmnopqrstuvwxyz"))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	t.Parallel()

	err := RenderEffective(DefaultConfig(), "", failingWriter{})
	require.EqualError(t, err, "disk full")
}
