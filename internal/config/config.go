// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 占位图像，接入真实生成器前使用
const (
	DefaultFrontImage = "https://images.unsplash.com/photo-1578662996442-48f60103fc96?w=400&h=600&fit=crop&crop=face"
	DefaultSideImage  = "https://images.unsplash.com/photo-1507003211169-0a1dd7228f2d?w=400&h=600&fit=crop&crop=face"
	DefaultBackImage  = "https://images.unsplash.com/photo-1472099645785-5658abf4ff4e?w=400&h=600&fit=crop&crop=face"
)

var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// ViewImages 各视角对应的图像
type ViewImages struct {
	Front string `json:"front" yaml:"front"`
	Side  string `json:"side" yaml:"side"`
	Back  string `json:"back" yaml:"back"`
}

// AppConfig 完整运行配置，保存到配置文件
type AppConfig struct {
	Port         string `json:"port" yaml:"port"`
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	StaticDir    string `json:"static_dir" yaml:"static_dir"`
	TemplatesDir string `json:"templates_dir" yaml:"templates_dir"`
	LogDir       string `json:"log_dir" yaml:"log_dir"`
	DebugMode    bool   `json:"debug_mode" yaml:"debug_mode"`

	// 工作室设置
	GenerationDelay      Duration   `json:"generation_delay" yaml:"generation_delay"`
	DownloadStagger      Duration   `json:"download_stagger" yaml:"download_stagger"`
	SessionTTL           Duration   `json:"session_ttl" yaml:"session_ttl"`
	UseLocalPlaceholders bool       `json:"use_local_placeholders" yaml:"use_local_placeholders"`
	Images               ViewImages `json:"images" yaml:"images"`
}

// Config 从环境变量读取的基础配置
type Config struct {
	Port                 string
	DataDir              string
	StaticDir            string
	TemplatesDir         string
	LogDir               string
	DebugMode            bool
	ConfigFile           string
	GenerationDelay      time.Duration
	DownloadStagger      time.Duration
	SessionTTL           time.Duration
	UseLocalPlaceholders bool
}

// Load 从环境变量（及可选的 .env 文件）加载基础配置
func Load() (*Config, error) {
	godotenv.Load()

	config := &Config{
		Port:                 getEnv("PORT", "8080"),
		DataDir:              getEnvPath("DATA_DIR", "data"),
		StaticDir:            getEnvPath("STATIC_DIR", "static"),
		TemplatesDir:         getEnv("TEMPLATES_DIR", "web/templates"),
		LogDir:               getEnvPath("LOG_DIR", "logs"),
		DebugMode:            getEnvBool("DEBUG_MODE", true),
		UseLocalPlaceholders: getEnvBool("USE_LOCAL_PLACEHOLDERS", false),
	}
	config.ConfigFile = getEnv("CONFIG_FILE", filepath.Join(config.DataDir, "config.json"))

	var err error
	if config.GenerationDelay, err = getEnvDuration("GENERATION_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if config.DownloadStagger, err = getEnvDuration("DOWNLOAD_STAGGER", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if config.SessionTTL, err = getEnvDuration("SESSION_TTL", 2*time.Hour); err != nil {
		return nil, err
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 从环境变量获取目录路径，必要时创建
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			log.Printf("⚠️ 创建目录失败 %s: %v", path, err)
		}
	}

	return path
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration for %s: %s", key, value)
	}
	return d, nil
}

// defaultsFrom 根据基础配置生成默认 AppConfig
func defaultsFrom(base *Config) *AppConfig {
	return &AppConfig{
		Port:                 base.Port,
		DataDir:              base.DataDir,
		StaticDir:            base.StaticDir,
		TemplatesDir:         base.TemplatesDir,
		LogDir:               base.LogDir,
		DebugMode:            base.DebugMode,
		GenerationDelay:      Duration(base.GenerationDelay),
		DownloadStagger:      Duration(base.DownloadStagger),
		SessionTTL:           Duration(base.SessionTTL),
		UseLocalPlaceholders: base.UseLocalPlaceholders,
		Images:               DefaultViewImages(base.UseLocalPlaceholders),
	}
}

// DefaultViewImages 返回远程占位图像或本地生成的占位图像
func DefaultViewImages(local bool) ViewImages {
	if local {
		return ViewImages{
			Front: "/static/images/front-placeholder.jpg",
			Side:  "/static/images/side-placeholder.jpg",
			Back:  "/static/images/back-placeholder.jpg",
		}
	}
	return ViewImages{Front: DefaultFrontImage, Side: DefaultSideImage, Back: DefaultBackImage}
}

// InitConfig 加载环境变量，合并已保存的配置文件并写回
func InitConfig(path string) error {
	baseConfig, err := Load()
	if err != nil {
		return err
	}
	if path == "" {
		path = baseConfig.ConfigFile
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	configFile = path
	currentConfig = defaultsFrom(baseConfig)

	if data, err := os.ReadFile(configFile); err == nil {
		// 文件中缺失的键保留默认值
		saved := *currentConfig
		if err := unmarshalConfig(configFile, data, &saved); err != nil {
			log.Printf("⚠️ 忽略无法读取的配置文件 %s: %v", configFile, err)
		} else {
			// 路径和端口始终以环境变量为准
			saved.Port = baseConfig.Port
			saved.DataDir = baseConfig.DataDir
			saved.StaticDir = baseConfig.StaticDir
			saved.TemplatesDir = baseConfig.TemplatesDir
			saved.LogDir = baseConfig.LogDir
			saved.DebugMode = baseConfig.DebugMode
			fillMissing(&saved, currentConfig)
			currentConfig = &saved
		}
	}

	return saveConfigLocked()
}

// fillMissing 用默认值替换无效的已保存设置
// 延迟和下载间隔为 0 是合法设置，保留
func fillMissing(cfg, defaults *AppConfig) {
	if cfg.GenerationDelay < 0 {
		cfg.GenerationDelay = defaults.GenerationDelay
	}
	if cfg.DownloadStagger < 0 {
		cfg.DownloadStagger = defaults.DownloadStagger
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaults.SessionTTL
	}
	if cfg.Images.Front == "" {
		cfg.Images.Front = defaults.Images.Front
	}
	if cfg.Images.Side == "" {
		cfg.Images.Side = defaults.Images.Side
	}
	if cfg.Images.Back == "" {
		cfg.Images.Back = defaults.Images.Back
	}
}

// GetCurrentConfig 获取当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		baseConfig, err := Load()
		if err != nil {
			baseConfig = &Config{
				Port:            "8080",
				DataDir:         "data",
				StaticDir:       "static",
				TemplatesDir:    "web/templates",
				LogDir:          "logs",
				GenerationDelay: 2 * time.Second,
				DownloadStagger: 100 * time.Millisecond,
				SessionTTL:      2 * time.Hour,
			}
		}
		return defaultsFrom(baseConfig)
	}

	configCopy := *currentConfig
	return &configCopy
}

// StudioSettings AppConfig 中用户可修改的部分
type StudioSettings struct {
	GenerationDelay *Duration   `json:"generation_delay,omitempty"`
	DownloadStagger *Duration   `json:"download_stagger,omitempty"`
	SessionTTL      *Duration   `json:"session_ttl,omitempty"`
	Images          *ViewImages `json:"images,omitempty"`
}

// Validate 验证设置，返回第一个无效项
func (s StudioSettings) Validate() error {
	if s.GenerationDelay != nil && *s.GenerationDelay < 0 {
		return fmt.Errorf("generation_delay must not be negative")
	}
	if s.DownloadStagger != nil && *s.DownloadStagger < 0 {
		return fmt.Errorf("download_stagger must not be negative")
	}
	if s.SessionTTL != nil && *s.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	return nil
}

// apply 将已设置的字段写入 cfg
func (s StudioSettings) apply(cfg *AppConfig) {
	if s.GenerationDelay != nil {
		cfg.GenerationDelay = *s.GenerationDelay
	}
	if s.DownloadStagger != nil {
		cfg.DownloadStagger = *s.DownloadStagger
	}
	if s.SessionTTL != nil {
		cfg.SessionTTL = *s.SessionTTL
	}
	if s.Images != nil {
		if s.Images.Front != "" {
			cfg.Images.Front = s.Images.Front
		}
		if s.Images.Side != "" {
			cfg.Images.Side = s.Images.Side
		}
		if s.Images.Back != "" {
			cfg.Images.Back = s.Images.Back
		}
	}
}

// UpdateStudioConfig 更新设置并保存
// 所有设置有效且文件写入成功后才生效
func UpdateStudioConfig(settings StudioSettings) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("config not initialised")
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	next := *currentConfig
	settings.apply(&next)
	if err := writeConfig(configFile, &next); err != nil {
		return err
	}
	currentConfig = &next
	return nil
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveConfigLocked()
}

func saveConfigLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("no config to save")
	}
	return writeConfig(configFile, currentConfig)
}

func writeConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := marshalConfig(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshalConfig(path string, cfg *AppConfig) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}

func unmarshalConfig(path string, data []byte, cfg *AppConfig) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}
