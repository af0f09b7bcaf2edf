package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/tokenset/pkg/executor"
	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/gregtusar/tokenset/pkg/rent"
	"github.com/gregtusar/tokenset/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Rent         RentConfig         `mapstructure:"rent"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Basket       BasketConfig       `mapstructure:"basket"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	GCP          GCPConfig          `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RateLimit is requests per second per caller; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// DatabaseConfig.Path selects the bbolt file; empty keeps everything in memory.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Amounts are decimal strings so values above 2^64 survive YAML and env.
type RentConfig struct {
	BaseMinimum string `mapstructure:"base_minimum"`
	PerBalance  string `mapstructure:"per_balance"`
}

type ProvisioningConfig struct {
	FactoryAccount     string `mapstructure:"factory_account"`
	DepositPerInstance string `mapstructure:"deposit_per_instance"`
}

type ExecutorConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	StepDelay time.Duration `mapstructure:"step_delay"`
}

// BasketConfig declares an instance created at startup. It is skipped when
// ID is empty.
type BasketConfig struct {
	ID          string             `mapstructure:"id"`
	Owner       string             `mapstructure:"owner"`
	Name        string             `mapstructure:"name"`
	Symbol      string             `mapstructure:"symbol"`
	Icon        string             `mapstructure:"icon"`
	Components  []models.Component `mapstructure:"components"`
	OwnerFee    string             `mapstructure:"owner_fee"`
	PlatformFee string             `mapstructure:"platform_fee"`
	PlatformID  string             `mapstructure:"platform_id"`
	Updatable   bool               `mapstructure:"updatable"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tokenset")
	}

	v.SetEnvPrefix("TOKENSET")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		loadSecrets(ctx, &config, sm)
		logger.Info("Successfully loaded secrets from GCP Secret Manager")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.burst", 40)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "tokenset")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("database.path", "")

	v.SetDefault("rent.base_minimum", "0")
	v.SetDefault("rent.per_balance", "1250000000000000000000")

	v.SetDefault("provisioning.factory_account", "factory")
	v.SetDefault("provisioning.deposit_per_instance", "10000000000000000000000000")

	v.SetDefault("executor.workers", 4)
	v.SetDefault("executor.queue_size", 256)
	v.SetDefault("executor.step_delay", "0s")

	v.SetDefault("basket.id", "")
	v.SetDefault("basket.owner_fee", "0")
	v.SetDefault("basket.platform_fee", "0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.secret_names.jwt_secret", secrets.DefaultSecretNames().JWTSecret)
}

func overrideFromEnv(config *Config) {
	if secret := os.Getenv("TOKENSET_JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if credentials := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credentials != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = credentials
	}
}

// loadSecrets only fills values that are not already set.
func loadSecrets(ctx context.Context, config *Config, sm secrets.Getter) {
	if config.Auth.JWTSecret == "" {
		config.Auth.JWTSecret = sm.GetSecretWithDefault(ctx, config.GCP.SecretNames.JWTSecret, "")
	}
}

// Validate parses every amount once so that later accessors cannot fail on
// a config that loaded.
func (c *Config) Validate() error {
	if _, err := c.Rent.Schedule(); err != nil {
		return err
	}
	if _, err := c.Provisioning.Deposit(); err != nil {
		return err
	}
	if c.Provisioning.FactoryAccount == "" {
		return errors.New("config: provisioning.factory_account is required")
	}
	if c.Basket.ID != "" {
		if _, err := c.Basket.Build(); err != nil {
			return err
		}
	}
	return nil
}

func (r RentConfig) Schedule() (rent.Schedule, error) {
	base, err := models.ParseAmount(r.BaseMinimum)
	if err != nil {
		return rent.Schedule{}, fmt.Errorf("config: rent.base_minimum: %w", err)
	}
	per, err := models.ParseAmount(r.PerBalance)
	if err != nil {
		return rent.Schedule{}, fmt.Errorf("config: rent.per_balance: %w", err)
	}
	return rent.Schedule{BaseMinimum: base, PerBalance: per}, nil
}

func (p ProvisioningConfig) Deposit() (models.Amount, error) {
	deposit, err := models.ParseAmount(p.DepositPerInstance)
	if err != nil {
		return models.Amount{}, fmt.Errorf("config: provisioning.deposit_per_instance: %w", err)
	}
	return deposit, nil
}

func (e ExecutorConfig) Config() executor.Config {
	return executor.Config{
		Workers:   e.Workers,
		QueueSize: e.QueueSize,
		StepDelay: e.StepDelay,
	}
}

func (b BasketConfig) Build() (models.BasketConfig, error) {
	ownerFee, err := models.ParseAmount(b.OwnerFee)
	if err != nil {
		return models.BasketConfig{}, fmt.Errorf("config: basket.owner_fee: %w", err)
	}
	platformFee, err := models.ParseAmount(b.PlatformFee)
	if err != nil {
		return models.BasketConfig{}, fmt.Errorf("config: basket.platform_fee: %w", err)
	}
	return models.BasketConfig{
		Owner:      b.Owner,
		Name:       b.Name,
		Symbol:     b.Symbol,
		Icon:       b.Icon,
		Components: b.Components,
		Fee: models.FeePolicy{
			OwnerFee:    ownerFee,
			PlatformFee: platformFee,
			PlatformID:  b.PlatformID,
			Updatable:   b.Updatable,
		},
	}, nil
}

func (l LoggingConfig) Apply(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("config: logging.level: %w", err)
	}
	logger.SetLevel(level)
	if l.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

var envKeyReplacer = strings.NewReplacer(".", "_")
