package engine

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fauzanlubis/larynx/pkg/aggregators"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
	"github.com/fauzanlubis/larynx/pkg/processors"
)

type Config struct {
	Pipeline      pipeline.Config      `mapstructure:"pipeline"`
	VAD           processors.VADConfig `mapstructure:"vad"`
	STT           STTProcessingConfig  `mapstructure:"stt"`
	LLM           processors.LLMConfig `mapstructure:"llm"`
	Aggregator    AggregatorConfig     `mapstructure:"aggregator"`
	Turn          TurnConfig           `mapstructure:"turn"`
	Vendors       VendorsConfig        `mapstructure:"vendors"`
	Transports    TransportsConfig     `mapstructure:"transports"`
	Observability ObservabilityConfig  `mapstructure:"observability"`
	Environment   string               `mapstructure:"environment"`
	LogLevel      string               `mapstructure:"log_level"`
	LogFormat     string               `mapstructure:"log_format"`
}

// VendorConfig names a provider and carries its free-form settings block.
// Settings are decoded per provider via configutil.DecodeSettings.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type STTProcessingConfig struct {
	ForwardInterim bool `mapstructure:"forward_interim"`
	ReplayChunks   int  `mapstructure:"replay_chunks"`
}

type TurnConfig struct {
	MinBargeIn time.Duration `mapstructure:"min_barge_in"`
	Strategy   string        `mapstructure:"strategy"`
}

type AggregatorConfig struct {
	MinLen       int           `mapstructure:"min_len"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	MaxHistory   int           `mapstructure:"max_history"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

func (c AggregatorConfig) toAggregator() aggregators.AggregatorConfig {
	return aggregators.AggregatorConfig{
		MinLen:       c.MinLen,
		MaxTokens:    c.MaxTokens,
		MaxHistory:   c.MaxHistory,
		FlushTimeout: c.FlushTimeout,
	}
}

type ObservabilityConfig struct {
	ArtifactsDir       string        `mapstructure:"artifacts_dir"`
	RecordAudio        bool          `mapstructure:"record_audio"`
	MetricsMinInterval time.Duration `mapstructure:"metrics_min_interval"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("pipeline.high_capacity", 32)
	v.SetDefault("pipeline.low_capacity", 128)
	v.SetDefault("pipeline.drain_timeout", "5s")
	v.SetDefault("pipeline.max_audio_lag", "500ms")
	v.SetDefault("stt.forward_interim", false)
	v.SetDefault("stt.replay_chunks", 50)
	v.SetDefault("llm.max_history", 20)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("aggregator.min_len", 8)
	v.SetDefault("aggregator.max_tokens", 256)
	v.SetDefault("aggregator.max_history", 10)
	v.SetDefault("aggregator.flush_timeout", "300ms")
	v.SetDefault("turn.min_barge_in", "300ms")
	v.SetDefault("turn.strategy", "aggressive")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.metrics_min_interval", "0s")
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
	required := []struct {
		path  string
		value string
	}{
		{"transports.provider", c.Transports.Provider},
		{"vendors.stt.provider", c.Vendors.STT.Provider},
		{"vendors.tts.provider", c.Vendors.TTS.Provider},
		{"vendors.llm.provider", c.Vendors.LLM.Provider},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.path)
		}
	}
	return nil
}

// expandEnvStrings rewrites ${VAR} references everywhere the config carries
// a string: the typed fields via reflection, and the free-form vendor and
// transport settings blocks via a tree walk.
func expandEnvStrings(cfg *Config) {
	expandStringFields(reflect.ValueOf(cfg).Elem())
	for _, settings := range []*map[string]any{
		&cfg.Vendors.STT.Settings,
		&cfg.Vendors.TTS.Settings,
		&cfg.Vendors.LLM.Settings,
		&cfg.Transports.Settings,
	} {
		*settings = expandSettingsTree(*settings)
	}
}

func expandSettingsTree(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = expandNode(v)
	}
	return m
}

func expandNode(v any) any {
	switch node := v.(type) {
	case string:
		return os.ExpandEnv(node)
	case []any:
		for i, elem := range node {
			node[i] = expandNode(elem)
		}
		return node
	case map[string]any:
		return expandSettingsTree(node)
	case map[any]any:
		// YAML decoders sometimes hand back any-keyed maps.
		out := make(map[string]any, len(node))
		for k, elem := range node {
			if key, ok := k.(string); ok {
				out[key] = expandNode(elem)
			}
		}
		return out
	}
	return v
}

func expandStringFields(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandStringFields(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandStringFields(v.Field(i))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandStringFields(v.Index(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}

