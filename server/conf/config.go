package conf

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Cfg 存储引擎配置
type Cfg struct {
	Raw *ini.File

	BaseDir string
	DataDir string
	LogDir  string

	// 页面与缓冲池
	PageSize        int
	BufferPoolPages int

	// 日志
	LogBufferSize int
	LogLevel      string

	// 溢出键压缩
	OverflowKeyCompress bool
}

const (
	DefaultPageSize        = 16 * 1024
	DefaultBufferPoolPages = 1024
	DefaultLogBufferSize   = 256
)

// NewCfg 返回默认配置
func NewCfg() *Cfg {
	return &Cfg{
		Raw:                 ini.Empty(),
		PageSize:            DefaultPageSize,
		BufferPoolPages:     DefaultBufferPoolPages,
		LogBufferSize:       DefaultLogBufferSize,
		LogLevel:            "info",
		OverflowKeyCompress: true,
	}
}

// Load 从ini文件加载配置并覆盖默认值
func (cfg *Cfg) Load(path string) error {
	parsedFile, err := ini.Load(path)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}
	cfg.Raw = parsedFile
	return cfg.parseEngineCfg(parsedFile.Section("engine"))
}

func (cfg *Cfg) parseEngineCfg(section *ini.Section) error {
	if v := section.Key("base_dir").String(); v != "" {
		cfg.BaseDir = v
	}
	if v := section.Key("data_dir").String(); v != "" {
		cfg.DataDir = v
	}
	if v := section.Key("log_dir").String(); v != "" {
		cfg.LogDir = v
	}
	if v, err := section.Key("page_size").Int(); err == nil && v > 0 {
		cfg.PageSize = v
	}
	if v, err := section.Key("buffer_pool_pages").Int(); err == nil && v > 0 {
		cfg.BufferPoolPages = v
	}
	if v, err := section.Key("log_buffer_size").Int(); err == nil && v > 0 {
		cfg.LogBufferSize = v
	}
	if v := section.Key("log_level").String(); v != "" {
		cfg.LogLevel = v
	}
	if v, err := section.Key("overflow_key_compress").Bool(); err == nil {
		cfg.OverflowKeyCompress = v
	}
	if cfg.PageSize&(cfg.PageSize-1) != 0 {
		return errors.Errorf("page_size %d is not a power of two", cfg.PageSize)
	}
	return nil
}

// EnsureDirs 创建数据和日志目录
func (cfg *Cfg) EnsureDirs() error {
	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	return nil
}

// LogFilePath 引擎日志文件路径
func (cfg *Cfg) LogFilePath() string {
	if cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(cfg.LogDir, "engine.log")
}

// MaxKeylenInPage 页内可存放的最大键长度，超过则落入溢出键文件
func (cfg *Cfg) MaxKeylenInPage() int {
	return cfg.PageSize / 8
}

// MaxOidlenInPage 单条叶子记录内对象区的上限
func (cfg *Cfg) MaxOidlenInPage() int {
	return cfg.PageSize / 3
}
