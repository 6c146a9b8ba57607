package configs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vecdest/internal/config"
)

func TestConfigTemplate_MatchesDefaults(t *testing.T) {
	// Given: the template written to disk
	path := filepath.Join(t.TempDir(), "vecdest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ConfigTemplate), 0o600))

	// When: loading it
	cfg, err := config.Load(path)

	// Then: it is valid and describes the built-in defaults
	require.NoError(t, err)
	assert.Equal(t, config.NewConfig(), cfg)
}
