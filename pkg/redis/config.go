package redis

import "time"

type Config struct {
	// ConnectionURL in "redis://:password@host:6379/0" form.
	ConnectionURL  string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"5"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"3s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	// KeyPrefix namespaces every key the service writes, so one Redis can
	// host several deployments.
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"topicbus"`
}
