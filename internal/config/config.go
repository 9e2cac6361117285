package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Redis     RedisConfig      `mapstructure:"redis"`
	CORS      CORSConfig       `mapstructure:"cors"`
	Pipelines []PipelineConfig `mapstructure:"pipelines"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// RedisConfig is optional: when a URL is set, the affinity store is backed
// by Redis so sticky assistant routing survives across replicas.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// PipelineConfig declares one pipeline bound to a hostname.
type PipelineConfig struct {
	Name        string         `mapstructure:"name"`
	Host        string         `mapstructure:"host"`
	Diagnostics bool           `mapstructure:"diagnostics"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Steps       []StepConfig   `mapstructure:"steps"`
	Selector    SelectorConfig `mapstructure:"selector"`
}

type AuthConfig struct {
	Type    string         `mapstructure:"type"` // "none" or "api-key"
	Clients []ClientConfig `mapstructure:"clients"`
}

type ClientConfig struct {
	Name string   `mapstructure:"name"`
	Keys []string `mapstructure:"keys"`
}

// StepConfig declares one pre-dispatch step. Fields apply per Type:
// bulk-head uses Capacity and QueueTimeout; request-rate uses Requests,
// Window and PartitionMode; token-rate uses Tokens, Window and
// PartitionMode; endpoint-affinity uses TTL.
type StepConfig struct {
	Type          string        `mapstructure:"type"`
	Capacity      int           `mapstructure:"capacity"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
	Requests      int           `mapstructure:"requests"`
	Tokens        int           `mapstructure:"tokens"`
	Window        time.Duration `mapstructure:"window"`
	PartitionMode string        `mapstructure:"partition_mode"` // "pipeline" or "consumer"
	TTL           time.Duration `mapstructure:"ttl"`
}

// SelectorConfig is a recursive selector tree. Random and lowest-latency
// take Endpoints, priority takes Tiers, hierarchical takes Children.
type SelectorConfig struct {
	Strategy  string             `mapstructure:"strategy"`
	Endpoints []EndpointConfig   `mapstructure:"endpoints"`
	Tiers     [][]EndpointConfig `mapstructure:"tiers"`
	Children  []SelectorConfig   `mapstructure:"children"`
}

type EndpointConfig struct {
	ID             string            `mapstructure:"id"`
	Kind           string            `mapstructure:"kind"` // "azure.openai" or "openai"
	BaseURL        string            `mapstructure:"base_url"`
	APIKey         string            `mapstructure:"api_key"`
	APIVersion     string            `mapstructure:"api_version"`
	Organization   string            `mapstructure:"organization"`
	ModelMap       map[string]string `mapstructure:"model_map"`
	MaxConcurrency int               `mapstructure:"max_concurrency"`
	Timeout        time.Duration     `mapstructure:"timeout"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/aicentral")
	}

	setDefaults()

	viper.SetEnvPrefix("AICENTRAL")
	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configs a pipeline cannot be built from.
func (c *Config) Validate() error {
	if len(c.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline is required")
	}
	seen := make(map[string]bool)
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if p.Name == "" {
			return fmt.Errorf("pipeline %d: name is required", i)
		}
		if p.Host == "" {
			return fmt.Errorf("pipeline %q: host is required", p.Name)
		}
		if seen[p.Host] {
			return fmt.Errorf("pipeline %q: host %q already bound", p.Name, p.Host)
		}
		seen[p.Host] = true
		if err := validateSelector(p.Name, &p.Selector); err != nil {
			return err
		}
		for _, s := range p.Steps {
			if err := validateStep(p.Name, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStep(pipeline string, s StepConfig) error {
	switch s.Type {
	case "bulk-head":
		if s.Capacity <= 0 {
			return fmt.Errorf("pipeline %q: bulk-head capacity must be positive", pipeline)
		}
	case "request-rate":
		if s.Requests <= 0 || s.Window <= 0 {
			return fmt.Errorf("pipeline %q: request-rate needs requests and window", pipeline)
		}
	case "token-rate":
		if s.Tokens <= 0 || s.Window <= 0 {
			return fmt.Errorf("pipeline %q: token-rate needs tokens and window", pipeline)
		}
	case "endpoint-affinity":
		if s.TTL <= 0 {
			return fmt.Errorf("pipeline %q: endpoint-affinity needs a ttl", pipeline)
		}
	default:
		return fmt.Errorf("pipeline %q: unknown step type %q", pipeline, s.Type)
	}
	return nil
}

func validateSelector(pipeline string, s *SelectorConfig) error {
	switch s.Strategy {
	case "random", "lowest-latency":
		if len(s.Endpoints) == 0 {
			return fmt.Errorf("pipeline %q: %s selector needs endpoints", pipeline, s.Strategy)
		}
	case "priority":
		if len(s.Tiers) == 0 {
			return fmt.Errorf("pipeline %q: priority selector needs tiers", pipeline)
		}
		for i, tier := range s.Tiers {
			if len(tier) == 0 {
				return fmt.Errorf("pipeline %q: priority tier %d has no endpoints", pipeline, i)
			}
		}
	case "hierarchical":
		if len(s.Children) == 0 {
			return fmt.Errorf("pipeline %q: hierarchical selector needs children", pipeline)
		}
		for i := range s.Children {
			if err := validateSelector(pipeline, &s.Children[i]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("pipeline %q: unknown selector strategy %q", pipeline, s.Strategy)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	_ = viper.BindEnv("server.port", "AICENTRAL_SERVER_PORT")
	_ = viper.BindEnv("server.read_timeout", "AICENTRAL_SERVER_READ_TIMEOUT")
	_ = viper.BindEnv("server.write_timeout", "AICENTRAL_SERVER_WRITE_TIMEOUT")
	_ = viper.BindEnv("logging.level", "AICENTRAL_LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "AICENTRAL_LOG_FORMAT")
	_ = viper.BindEnv("redis.url", "AICENTRAL_REDIS_URL")
	_ = viper.BindEnv("redis.password", "AICENTRAL_REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "AICENTRAL_REDIS_DB")
}
