package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN        string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL        string `env:"RABBITMQ_URL,required=true"`
	RedisURL           string `env:"REDIS_URL,required=true"`
	TemplateServiceURL string `env:"TEMPLATE_SERVICE_URL,required=true"`
	StatusCallbackURL  string `env:"STATUS_CALLBACK_URL,required=true"`
	SMTPHost           string `env:"SMTP_HOST,required=true"`
	SMTPPort           int    `env:"SMTP_PORT,default=587"`
	SMTPUser           string `env:"SMTP_USER"`
	SMTPPassword       string `env:"SMTP_PASSWORD"`
	EmailFrom          string `env:"EMAIL_FROM,required=true"`
	WorkerConcurrency  int    `env:"WORKER_CONCURRENCY,default=8"`
	RateLimitPerSec    int    `env:"RATE_LIMIT_PER_SEC,default=50"`
	APIPort            int    `env:"API_PORT,default=8080"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
