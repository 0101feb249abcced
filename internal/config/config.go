package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Hub        HubConfig        `mapstructure:"hub"`
	Inference  InferenceConfig  `mapstructure:"inference"`
	Device     string           `mapstructure:"device" validate:"oneof=auto cpu cuda"`
	Models     ModelsConfig     `mapstructure:"models"`
	Generation GenerationConfig `mapstructure:"generation"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port           string `mapstructure:"port" validate:"required"`
	Env            string `mapstructure:"env"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes" validate:"gt=0"`
	MaxImagePixels int    `mapstructure:"max_image_pixels" validate:"gt=0"`
}

type HubConfig struct {
	BaseURL  string        `mapstructure:"base_url" validate:"required,url"`
	Token    string        `mapstructure:"token"`
	CacheDir string        `mapstructure:"cache_dir" validate:"required"`
	Offline  bool          `mapstructure:"offline"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type InferenceConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// Timeout bounds one backend call. Zero means no bound.
	Timeout           time.Duration `mapstructure:"timeout" validate:"gte=0"`
	VersionConstraint string        `mapstructure:"version_constraint"`
}

type ModelsConfig struct {
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Captioner  CaptionerConfig  `mapstructure:"captioner"`
}

type ClassifierConfig struct {
	ID           string `mapstructure:"id" validate:"required"`
	Revision     string `mapstructure:"revision"`
	BackendModel string `mapstructure:"backend_model" validate:"required"`
}

type CaptionerConfig struct {
	ID            string `mapstructure:"id" validate:"required"`
	Revision      string `mapstructure:"revision"`
	EncoderModel  string `mapstructure:"encoder_model"`
	DecoderModel  string `mapstructure:"decoder_model"`
	GenerateModel string `mapstructure:"generate_model"`
}

type GenerationConfig struct {
	Mode          string  `mapstructure:"mode" validate:"oneof=host backend"`
	MaxNewTokens  int     `mapstructure:"max_new_tokens" validate:"min=1,max=512"`
	NumBeams      int     `mapstructure:"num_beams" validate:"min=1,max=16"`
	LengthPenalty float64 `mapstructure:"length_penalty" validate:"gt=0"`
}

type FeaturesConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Resolve the registry token
	if strings.HasPrefix(cfg.Hub.Token, "ENV:") {
		cfg.Hub.Token = os.Getenv(strings.TrimPrefix(cfg.Hub.Token, "ENV:"))
	}
	cfg.Device = strings.ToLower(strings.TrimSpace(cfg.Device))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.max_image_pixels", 40_000_000)

	v.SetDefault("hub.base_url", "https://huggingface.co")
	v.SetDefault("hub.token", "ENV:HF_TOKEN")
	v.SetDefault("hub.cache_dir", defaultCacheDir())
	v.SetDefault("hub.offline", false)
	v.SetDefault("hub.timeout", "60s")

	v.SetDefault("inference.base_url", "http://localhost:8000")
	v.SetDefault("inference.timeout", "0s")
	v.SetDefault("inference.version_constraint", ">= 2.0.0")

	v.SetDefault("device", "auto")

	v.SetDefault("models.classifier.id", "facebook/convnext-large-224")
	v.SetDefault("models.classifier.revision", "main")
	v.SetDefault("models.classifier.backend_model", "convnext_large_224")
	v.SetDefault("models.captioner.id", "Salesforce/blip-image-captioning-large")
	v.SetDefault("models.captioner.revision", "main")
	v.SetDefault("models.captioner.encoder_model", "blip_vision_encoder")
	v.SetDefault("models.captioner.decoder_model", "blip_text_decoder")
	v.SetDefault("models.captioner.generate_model", "blip_generate")

	v.SetDefault("generation.mode", "host")
	v.SetDefault("generation.max_new_tokens", 50)
	v.SetDefault("generation.num_beams", 5)
	v.SetDefault("generation.length_penalty", 1.0)

	v.SetDefault("features.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "image-captioner")
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "image-captioner", "hub")
	}
	return filepath.Join(".cache", "hub")
}

// Validate checks field constraints and reports them by their config key.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
	})

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			ns := e.Namespace()
			if i := strings.Index(ns, "."); i != -1 {
				ns = ns[i+1:]
			}
			msgs = append(msgs, fmt.Sprintf("%s failed %q", ns, e.ActualTag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return nil
}
