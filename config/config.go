package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	ETCD     ETCDConfig     `mapstructure:"etcd"`
	Lock     LockConfig     `mapstructure:"lock"`
	Store    StoreConfig    `mapstructure:"store"`
	Ticket   TicketConfig   `mapstructure:"ticket"`
	Callback CallbackConfig `mapstructure:"callback"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	GraphQL  GraphQLConfig  `mapstructure:"graphql"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	Workers int      `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

// LockConfig 维护任务选主使用的分布式锁
type LockConfig struct {
	Backend    string        `mapstructure:"backend"` // etcd | redis | none
	TTL        time.Duration `mapstructure:"ttl"`
	RetryCount int           `mapstructure:"retry_count"`
}

// StoreConfig 选择票据与防重放账本的存储后端
type StoreConfig struct {
	TicketBackend string `mapstructure:"ticket_backend"` // mysql | redis | memory
	LedgerBackend string `mapstructure:"ledger_backend"` // mysql | redis | etcd | memory
}

type TicketConfig struct {
	// MasterKey base64编码，至少32字节
	MasterKey        string        `mapstructure:"master_key"`
	ValidityGrace    time.Duration `mapstructure:"validity_grace"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	StoreRetries     int           `mapstructure:"store_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

type CallbackConfig struct {
	Secret           string        `mapstructure:"secret"`
	Window           time.Duration `mapstructure:"window"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type ReplayConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

var AppConfig Config

// SetDefaults 设置默认配置
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.max_retries", 0)
	v.SetDefault("redis.timeout", 500*time.Millisecond)

	v.SetDefault("kafka.topic", "ticket.outcomes")
	v.SetDefault("kafka.group_id", "littlegate-audit")
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 2*time.Second)

	v.SetDefault("lock.backend", "none")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.retry_count", 3)

	v.SetDefault("store.ticket_backend", "mysql")
	v.SetDefault("store.ledger_backend", "mysql")

	// 密钥没有默认值，这里注册空值使环境变量能够覆盖
	v.SetDefault("ticket.master_key", "")
	v.SetDefault("callback.secret", "")

	v.SetDefault("ticket.validity_grace", 24*time.Hour)
	v.SetDefault("ticket.operation_timeout", 2*time.Second)
	v.SetDefault("ticket.store_retries", 2)
	v.SetDefault("ticket.retry_backoff", 50*time.Millisecond)

	v.SetDefault("callback.window", 15*time.Minute)
	v.SetDefault("callback.operation_timeout", 2*time.Second)

	v.SetDefault("replay.retention", 24*time.Hour)
	v.SetDefault("replay.prune_interval", 10*time.Minute)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("LITTLEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 校验配置的一致性
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Ticket.MasterKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Callback.Secret == "" {
		errs = append(errs, errors.New("callback.secret 不能为空"))
	}
	if c.Callback.Window <= 0 {
		errs = append(errs, errors.New("callback.window 必须大于0"))
	}
	// 账本条目必须比时间窗口活得更久，否则窗口内的重放可能漏检
	if c.Replay.Retention <= c.Callback.Window {
		errs = append(errs, fmt.Errorf("replay.retention(%s) 必须大于 callback.window(%s)",
			c.Replay.Retention, c.Callback.Window))
	}
	if c.Ticket.OperationTimeout <= 0 || c.Callback.OperationTimeout <= 0 {
		errs = append(errs, errors.New("operation_timeout 必须大于0"))
	}

	switch c.Store.TicketBackend {
	case "mysql", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("未知的票据存储后端: %q", c.Store.TicketBackend))
	}
	switch c.Store.LedgerBackend {
	case "mysql", "redis", "etcd", "memory":
	default:
		errs = append(errs, fmt.Errorf("未知的账本存储后端: %q", c.Store.LedgerBackend))
	}
	switch c.Lock.Backend {
	case "etcd", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("未知的分布式锁后端: %q", c.Lock.Backend))
	}

	return errors.Join(errs...)
}

// MasterKeyBytes 解码票据主密钥
func (t TicketConfig) MasterKeyBytes() ([]byte, error) {
	if t.MasterKey == "" {
		return nil, errors.New("ticket.master_key 不能为空")
	}
	key, err := base64.StdEncoding.DecodeString(t.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("ticket.master_key 不是合法的base64: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("ticket.master_key 至少32字节，当前%d字节", len(key))
	}
	return key, nil
}
