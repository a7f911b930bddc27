package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Redis     RedisConfig
	Presence  PresenceConfig
	Delivery  DeliveryConfig
	LogLevel  string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address   string
	Auth      AuthConfig
	Directory DirectoryConfig
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// DirectoryConfig points at the external user service this core consumes.
// An empty BaseURL selects the static in-process directory.
type DirectoryConfig struct {
	BaseURL string        `mapstructure:"baseURL"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type PresenceConfig struct {
	PositionTTL time.Duration `mapstructure:"positionTTL"`
}

type DeliveryConfig struct {
	RetryInterval time.Duration `mapstructure:"retryInterval"`
	MessageTTL    time.Duration `mapstructure:"messageTTL"`
	MaxAttempts   int           `mapstructure:"maxAttempts"`
}
