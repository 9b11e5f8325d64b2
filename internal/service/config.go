// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig `mapstructure:"Exchange"`
	Trading  TradingConfig  `mapstructure:"Trading"`
	Server   ServerConfig   `mapstructure:"Server"`
	Database DatabaseConfig `mapstructure:"Database"`
	Schedule ScheduleConfig `mapstructure:"Schedule"`
	Log      LogConfig      `mapstructure:"Log"`
}

// ExchangeConfig 定义了交易所的连接信息，密钥不写入配置文件，见 LoadCredentials
type ExchangeConfig struct {
	Name       string // okx | coinbase | paper
	Sandbox    bool
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	RESTURL    string
	WSURL      string
	Paper      PaperConfig
}

// PaperConfig 模拟交易所的初始账户状态
type PaperConfig struct {
	FeeRate  decimal.Decimal
	Balances map[string]decimal.Decimal
	Prices   map[string]decimal.Decimal
	// Markets: symbol -> {AmountPrecision, PricePrecision}
	Markets map[string]PaperMarketConfig
}

type PaperMarketConfig struct {
	AmountPrecision decimal.Decimal
	PricePrecision  decimal.Decimal
}

// TradingConfig 定义了资金分配引擎的参数
type TradingConfig struct {
	QuoteCurrency      string
	IncrementPct       decimal.Decimal
	StrategyConfigPath string
	ActiveThreshold    decimal.Decimal
	FillWaitInterval   time.Duration
	FillWaitAttempts   int
	SettleDelay        time.Duration
}

type ServerConfig struct {
	Addr string
}

type DatabaseConfig struct {
	DSN         string
	AutoMigrate bool
}

// ScheduleConfig 定时执行交易信号的 UTC 时间点
type ScheduleConfig struct {
	Enabled bool
	Hours   []int
	Minute  int
}

type LogConfig struct {
	Level string
}

// Credentials 交易所 API 密钥
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string // Okx 独有
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

// LoadConfig 读取并解析 configPath 目录下的 config.yaml，环境变量前缀 CAS
// 例如 CAS_EXCHANGE_NAME=paper 覆盖 Exchange.Name
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("CAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = cfg
	return &GlobalConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Exchange.Name", "paper")
	v.SetDefault("Exchange.MaxRetries", 3)
	v.SetDefault("Exchange.RetryDelay", 3*time.Second)
	v.SetDefault("Exchange.Timeout", 6*time.Second)
	v.SetDefault("Trading.QuoteCurrency", "USD")
	v.SetDefault("Trading.IncrementPct", "0")
	v.SetDefault("Trading.StrategyConfigPath", "config/strategy_config.json")
	v.SetDefault("Trading.ActiveThreshold", "0")
	v.SetDefault("Trading.FillWaitInterval", 15*time.Second)
	v.SetDefault("Trading.FillWaitAttempts", 4)
	v.SetDefault("Trading.SettleDelay", 5*time.Second)
	v.SetDefault("Server.Addr", ":8080")
	v.SetDefault("Schedule.Enabled", true)
	v.SetDefault("Schedule.Hours", []int{0, 8, 16})
	v.SetDefault("Schedule.Minute", 1)
	v.SetDefault("Log.Level", "info")
}

// Validate 检查配置的取值范围
func (c *Config) Validate() error {
	if c.Exchange.Name == "" {
		return errors.New("config: Exchange.Name is required")
	}
	if c.Exchange.MaxRetries < 1 {
		return fmt.Errorf("config: Exchange.MaxRetries must be >= 1, got %d", c.Exchange.MaxRetries)
	}
	if c.Trading.QuoteCurrency == "" {
		return errors.New("config: Trading.QuoteCurrency is required")
	}
	if c.Trading.IncrementPct.IsNegative() || c.Trading.IncrementPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: Trading.IncrementPct must be in [0, 1), got %s", c.Trading.IncrementPct)
	}
	if c.Trading.FillWaitAttempts < 1 {
		return fmt.Errorf("config: Trading.FillWaitAttempts must be >= 1, got %d", c.Trading.FillWaitAttempts)
	}
	for _, h := range c.Schedule.Hours {
		if h < 0 || h > 23 {
			return fmt.Errorf("config: Schedule.Hours contains invalid hour %d", h)
		}
	}
	if c.Schedule.Minute < 0 || c.Schedule.Minute > 59 {
		return fmt.Errorf("config: Schedule.Minute must be in [0, 59], got %d", c.Schedule.Minute)
	}
	return nil
}

// LoadCredentials 从环境变量 (可选 .env 文件) 读取交易所密钥
// 变量名: <EXCHANGE>_API_KEY, <EXCHANGE>_API_SECRET, <EXCHANGE>_PASSPHRASE
func LoadCredentials(exchangeName string) (Credentials, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	prefix := strings.ToUpper(exchangeName)
	creds := Credentials{
		APIKey:     os.Getenv(prefix + "_API_KEY"),
		APISecret:  os.Getenv(prefix + "_API_SECRET"),
		Passphrase: os.Getenv(prefix + "_PASSPHRASE"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return creds, fmt.Errorf("credentials for %s not found: set %s_API_KEY and %s_API_SECRET", exchangeName, prefix, prefix)
	}
	return creds, nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// DecodeHook 在 viper 默认 hook 的基础上增加 decimal.Decimal 的解析
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		DecimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// DecimalHook 将 string / float / int 转换为 decimal.Decimal
// float 使用最短表示转换，0.2 得到 "0.2" 而不是二进制近似值
func DecimalHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case decimal.Decimal:
			return v, nil
		}
		return data, nil
	}
}
