// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Classifier    ClassifierConfig    `mapstructure:"classifier"`
	Stream        StreamConfig        `mapstructure:"stream"`
	CORS          CORSConfig          `mapstructure:"cors"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// PublicBaseURL 是客户端拼接 /chat-stream 地址时使用的对外地址。
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

// LLMConfig 存储模型网关（OpenRouter 兼容接口）相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	AppName    string              `mapstructure:"app_name"`
	SiteURL    string              `mapstructure:"site_url"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示。
type LLMPromptConfig struct {
	Rules string `mapstructure:"rules"`
}

// ClassifierConfig 配置自动路由时使用的分类调用。
type ClassifierConfig struct {
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StreamConfig 配置流式生成与日志跟随。
type StreamConfig struct {
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	TitleModel        string        `mapstructure:"title_model"`
}

// CORSConfig 配置 /chat-stream 的跨域响应头。
type CORSConfig struct {
	AllowMethods string `mapstructure:"allow_methods"`
	AllowHeaders string `mapstructure:"allow_headers"`
	MaxAge       int    `mapstructure:"max_age"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 环境变量优先于文件：OPENROUTER_API_KEY、POLYCHAT_PUBLIC_BASE_URL 以及 POLYCHAT_ 前缀的任意键。
func Init(configPath string) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("POLYCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "OPENROUTER_API_KEY", "POLYCHAT_LLM_API_KEY")
	_ = v.BindEnv("server.public_base_url", "POLYCHAT_PUBLIC_BASE_URL", "POLYCHAT_SERVER_PUBLIC_BASE_URL")

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := v.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.group_id", "polychat-go-consumer")
	v.SetDefault("minio.presign_expiry", time.Hour)
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.app_name", "polychat")
	v.SetDefault("classifier.model", "openai/gpt-4o-mini")
	v.SetDefault("classifier.temperature", 0)
	v.SetDefault("classifier.max_tokens", 32)
	v.SetDefault("classifier.timeout", 15*time.Second)
	v.SetDefault("stream.generation_timeout", 5*time.Minute)
	v.SetDefault("stream.poll_interval", time.Second)
	v.SetDefault("stream.lease_ttl", 30*time.Second)
	v.SetDefault("stream.title_model", "openai/gpt-4o-mini")
	v.SetDefault("cors.allow_methods", "POST, OPTIONS")
	v.SetDefault("cors.allow_headers", "Authorization, Content-Type")
	v.SetDefault("cors.max_age", 86400)
}
