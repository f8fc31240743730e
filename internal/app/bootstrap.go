package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 存放应用级配置。加载顺序：默认值 -> YAML 文件 -> DEFM_* 环境变量。
type Config struct {
	DBPath      string        `yaml:"db_path"`
	UploadDir   string        `yaml:"upload_dir"`
	ReportDir   string        `yaml:"report_dir"`
	ListenAddr  string        `yaml:"listen_addr"`
	LogLevel    string        `yaml:"log_level"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	MaxFileSize int64         `yaml:"max_file_size"`
	HashTimeout time.Duration `yaml:"hash_timeout"`

	// AllowedFileTypes 是附件扩展名白名单（不含点，小写）。
	AllowedFileTypes []string `yaml:"allowed_file_types"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
}

// placeholderSecrets 是示例配置里常见的占位值，不能用于签发令牌。
var placeholderSecrets = []string{"change-me-in-production", "changeme", "secret"}

// DefaultConfig 返回本地开发环境的默认配置。jwt_secret 没有默认值，必须显式配置。
func DefaultConfig() Config {
	return Config{
		DBPath:      "data/custody.db",
		UploadDir:   "data/uploads",
		ReportDir:   "data/reports",
		ListenAddr:  "127.0.0.1:8787",
		LogLevel:    "info",
		TokenTTL:    30 * time.Minute,
		MaxFileSize: 100 * 1024 * 1024,
		AllowedFileTypes: []string{
			"pdf", "doc", "docx", "txt", "jpg", "jpeg", "png", "gif",
			"mp4", "avi", "mov", "mp3", "wav", "zip", "rar", "7z", "log",
		},
		HashTimeout:    30 * time.Second,
		AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
	}
}

// Load 读取配置。path 为空或文件不存在时只使用默认值与环境变量。
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查配置取值是否可用。
func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		return fmt.Errorf("config: upload_dir is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("config: max_file_size must be positive")
	}
	if c.HashTimeout <= 0 {
		return fmt.Errorf("config: hash_timeout must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("config: token_ttl must be positive")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("config: jwt_secret is required (set jwt_secret or DEFM_JWT_SECRET)")
	}
	for _, p := range placeholderSecrets {
		if strings.EqualFold(strings.TrimSpace(c.JWTSecret), p) {
			return fmt.Errorf("config: jwt_secret is a placeholder value, set a random secret")
		}
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("config: jwt_secret must be at least 16 bytes")
	}
	return nil
}

// FileTypeAllowed 判断扩展名（可带点，大小写不敏感）是否在白名单内。
func (c Config) FileTypeAllowed(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return false
	}
	for _, allowed := range c.AllowedFileTypes {
		if strings.EqualFold(strings.TrimPrefix(allowed, "."), ext) {
			return true
		}
	}
	return false
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("DEFM_DB_PATH", &cfg.DBPath)
	str("DEFM_UPLOAD_DIR", &cfg.UploadDir)
	str("DEFM_REPORT_DIR", &cfg.ReportDir)
	str("DEFM_LISTEN_ADDR", &cfg.ListenAddr)
	str("DEFM_LOG_LEVEL", &cfg.LogLevel)
	str("DEFM_JWT_SECRET", &cfg.JWTSecret)
	list("DEFM_ALLOWED_FILE_TYPES", &cfg.AllowedFileTypes)
	list("DEFM_ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	if err := dur("DEFM_TOKEN_TTL", &cfg.TokenTTL); err != nil {
		return err
	}
	if err := dur("DEFM_HASH_TIMEOUT", &cfg.HashTimeout); err != nil {
		return err
	}
	if v, ok := lookup("DEFM_MAX_FILE_SIZE"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("env DEFM_MAX_FILE_SIZE: %w", err)
		}
		cfg.MaxFileSize = n
	}
	return nil
}
