package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Voice       VoiceConfig       `mapstructure:"voice"`
	Duplex      DuplexConfig      `mapstructure:"duplex"`
	Vendors     VendorsConfig     `mapstructure:"vendors"`
	Documents   DocumentsConfig   `mapstructure:"documents"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	LogFormat   string            `mapstructure:"log_format"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	CallPath       string   `mapstructure:"call_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// VoiceConfig carries the session lifecycle limits. Defaults mirror the
// capacity the service was originally provisioned for: one concurrent call
// per user and 48000 bytes/sec of inbound PCM16 at 24kHz mono.
type VoiceConfig struct {
	TimeoutMinutes         int    `mapstructure:"timeout_minutes"`
	MaxDurationMinutes     int    `mapstructure:"max_duration_minutes"`
	MaxConcurrentCalls     int    `mapstructure:"max_concurrent_calls"`
	MaxAudioBytesPerSecond int    `mapstructure:"max_audio_bytes_per_second"`
	SweepIntervalSeconds   int    `mapstructure:"sweep_interval_seconds"`
	ReplyDebounceMS        int    `mapstructure:"reply_debounce_ms"`
	GreetingVoice          string `mapstructure:"greeting_voice"`
}

type DuplexConfig struct {
	URL         string  `mapstructure:"url"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Voice       string  `mapstructure:"voice"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

// DocumentsConfig points at the service that answers ownership and
// existence questions about uploaded documents.
type DocumentsConfig struct {
	ServiceURL      string `mapstructure:"service_url"`
	OwnerServiceURL string `mapstructure:"owner_service_url"`
	TimeoutMS       int    `mapstructure:"timeout_ms"`
}

type PersistenceConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.call_path", "/ws/voice/call")
	v.SetDefault("voice.timeout_minutes", 5)
	v.SetDefault("voice.max_duration_minutes", 60)
	v.SetDefault("voice.max_concurrent_calls", 1)
	v.SetDefault("voice.max_audio_bytes_per_second", 48000)
	v.SetDefault("voice.sweep_interval_seconds", 60)
	v.SetDefault("voice.reply_debounce_ms", 80)
	v.SetDefault("voice.greeting_voice", "nova")
	v.SetDefault("duplex.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("duplex.model", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("duplex.voice", "nova")
	v.SetDefault("duplex.temperature", 0.7)
	v.SetDefault("duplex.max_tokens", 1024)
	v.SetDefault("documents.timeout_ms", 5000)
	v.SetDefault("persistence.key_prefix", "voice:session:")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if strings.TrimSpace(c.Documents.ServiceURL) == "" {
		return fmt.Errorf("documents.service_url is required")
	}
	if c.Voice.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("voice.max_concurrent_calls must be positive")
	}
	if c.Voice.MaxAudioBytesPerSecond <= 0 {
		return fmt.Errorf("voice.max_audio_bytes_per_second must be positive")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
