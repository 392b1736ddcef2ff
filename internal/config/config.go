// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
// 配置在启动时加载一次，随后以显式参数的方式传递给各组件，不使用全局单例。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 验证相关的配置。签发由外部认证服务负责，这里只做校验。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。各主题名称在 pkg/bus 中定义。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ProbeConfig 存储媒体探测服务（旁路 HTTP 服务）的配置。
type ProbeConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// TransferConfig 存储会话与传输核心的各项参数。
type TransferConfig struct {
	ChunkSize           int64 `mapstructure:"chunk_size"`             // 分片大小（字节）
	MaxFileSize         int64 `mapstructure:"max_file_size"`          // 单文件大小上限（字节）
	MaxFilesPerSession  int   `mapstructure:"max_files_per_session"`  // 每个会话的文件数上限
	SessionTTLMinutes   int   `mapstructure:"session_ttl_minutes"`    // 会话有效期
	CodeTTLSeconds      int   `mapstructure:"code_ttl_seconds"`       // 连接码有效期
	CodeRotationSeconds int   `mapstructure:"code_rotation_seconds"`  // 连接码轮换间隔
	ScanPrefixBytes     int64 `mapstructure:"scan_prefix_bytes"`      // 安全嗅探读取的前缀字节数
	OrphanAfterMinutes  int   `mapstructure:"orphan_after_minutes"`   // 超过该时长仍未完成的传输视为孤儿
	RetentionHours      int   `mapstructure:"retention_hours"`        // 终态会话的保留窗口
	DownloadTTLMinutes  int   `mapstructure:"download_ttl_minutes"`   // 下载令牌有效期
	LockTTLSeconds      int   `mapstructure:"lock_ttl_seconds"`       // 分布式锁的 TTL
	ProgressTTLMinutes  int   `mapstructure:"progress_ttl_minutes"`   // 进度缓存的 TTL
	CacheTTLMinutes     int   `mapstructure:"cache_ttl_minutes"`      // 记录镜像缓存的 TTL
	SweepIntervalSecond int   `mapstructure:"sweep_interval_seconds"` // 各后台清扫任务的运行间隔
}

// SessionTTL 返回会话有效期的 time.Duration 形式。
func (c TransferConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// CodeTTL 返回连接码有效期。
func (c TransferConfig) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLSeconds) * time.Second
}

// LockTTL 返回分布式锁的 TTL。
func (c TransferConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// RateLimitConfig 存储滑动窗口限流的配置。
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	ChunksPerMinute   int `mapstructure:"chunks_per_minute"`
}

// Load 从指定路径读取 YAML 配置文件并解析为 Config。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}
