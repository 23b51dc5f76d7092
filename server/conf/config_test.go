package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := NewCfg()
		assert.Equal(t, DefaultPageSize, cfg.PageSize)
		assert.Equal(t, DefaultBufferPoolPages, cfg.BufferPoolPages)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.True(t, cfg.OverflowKeyCompress)
		assert.Equal(t, DefaultPageSize/8, cfg.MaxKeylenInPage())
		assert.Equal(t, DefaultPageSize/3, cfg.MaxOidlenInPage())
	})

	t.Run("ini overrides", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "engine.ini")
		require.NoError(t, os.WriteFile(path, []byte(`
[engine]
data_dir = /tmp/xbtree/data
log_dir = /tmp/xbtree/log
page_size = 8192
buffer_pool_pages = 64
log_level = debug
overflow_key_compress = false
`), 0644))

		cfg := NewCfg()
		require.NoError(t, cfg.Load(path))
		assert.Equal(t, "/tmp/xbtree/data", cfg.DataDir)
		assert.Equal(t, 8192, cfg.PageSize)
		assert.Equal(t, 64, cfg.BufferPoolPages)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.False(t, cfg.OverflowKeyCompress)
		assert.Equal(t, filepath.Join("/tmp/xbtree/log", "engine.log"), cfg.LogFilePath())
	})

	t.Run("bad page size rejected", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "engine.ini")
		require.NoError(t, os.WriteFile(path, []byte("[engine]\npage_size = 10000\n"), 0644))
		cfg := NewCfg()
		assert.Error(t, cfg.Load(path))
	})
}
