package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Control     ControlConfig    `yaml:"control"`
	Stream      StreamConfig     `yaml:"stream"`
	Delivery    DeliveryConfig   `yaml:"delivery"`
	Codec       CodecConfig      `yaml:"codec"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BusConfig struct {
	Embedded         bool     `yaml:"embedded"`
	Port             int      `yaml:"port"`
	StoreDir         string   `yaml:"store_dir"`
	Servers          []string `yaml:"servers"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	TLSInsecure      bool     `yaml:"tls_insecure"`
	ConnectTimeout   int      `yaml:"connect_timeout_ms"`
	ConnectAttempts  int      `yaml:"connect_attempts"`
	InitialBackoffMS int      `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int      `yaml:"max_backoff_ms"`
	// CommandStream names a JetStream stream capturing command subjects. When
	// set, commands are published through JetStream and wait for the broker ack.
	CommandStream string `yaml:"command_stream"`
}

type ControlConfig struct {
	SubjectPrefix string `yaml:"subject_prefix"`
	InboundBuffer int    `yaml:"inbound_buffer"`
	EventBuffer   int    `yaml:"event_buffer"`
}

type StreamConfig struct {
	Path            string `yaml:"path"`
	IdleTimeoutMS   int    `yaml:"idle_timeout_ms"`
	WriteTimeoutMS  int    `yaml:"write_timeout_ms"`
	PongTimeoutMS   int    `yaml:"pong_timeout_ms"`
	MaxMessageBytes int    `yaml:"max_message_bytes"`
	SendBuffer      int    `yaml:"send_buffer"`
}

type DeliveryConfig struct {
	AckTimeoutMS        int  `yaml:"ack_timeout_ms"`
	CompletionTimeoutMS int  `yaml:"completion_timeout_ms"`
	ImplicitCompletion  bool `yaml:"implicit_completion"`
	RetentionMS         int  `yaml:"retention_ms"`
	PruneIntervalMS     int  `yaml:"prune_interval_ms"`
}

type CodecConfig struct {
	Encoding        string `yaml:"encoding"` // pcm, opus
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	OpusApplication string `yaml:"opus_application"` // voip, audio
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTracks     int    `yaml:"max_tracks"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode         string `yaml:"mode"` // mock, exec, elevenlabs
	Command      string `yaml:"command"`
	Voice        string `yaml:"voice"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	APIKey       string `yaml:"api_key"`
	APIBaseURL   string `yaml:"api_base_url"`
	ModelID      string `yaml:"model_id"`
	OutputFormat string `yaml:"output_format"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-greeter",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:         true,
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			ConnectAttempts:  8,
			InitialBackoffMS: 250,
			MaxBackoffMS:     10000,
		},
		Control: ControlConfig{
			SubjectPrefix: "device",
			InboundBuffer: 256,
			EventBuffer:   256,
		},
		Stream: StreamConfig{
			Path:            "/ws",
			IdleTimeoutMS:   120000,
			WriteTimeoutMS:  10000,
			PongTimeoutMS:   60000,
			MaxMessageBytes: 512 * 1024,
			SendBuffer:      64,
		},
		Delivery: DeliveryConfig{
			AckTimeoutMS:        10000,
			CompletionTimeoutMS: 5000,
			ImplicitCompletion:  false,
			RetentionMS:         24 * 60 * 60 * 1000,
			PruneIntervalMS:     60000,
		},
		Codec: CodecConfig{
			Encoding:        "pcm",
			FrameDurationMS: 60,
			OpusApplication: "voip",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/greeter-tracks.db",
			RetentionMode: "session",
			RetentionDays: 1,
			MaxTracks:     10000,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			System:      "Rewrite the message as a short, warm spoken greeting. Reply with the greeting only.",
			MaxTokens:   128,
			Temperature: 0.7,
			TimeoutMS:   15000,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			SampleRate: 24000,
			Channels:   1,
			TimeoutMS:  30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.ConnectAttempts, "LOQA_BUS_CONNECT_ATTEMPTS")
	overrideInt(&cfg.Bus.InitialBackoffMS, "LOQA_BUS_INITIAL_BACKOFF_MS")
	overrideInt(&cfg.Bus.MaxBackoffMS, "LOQA_BUS_MAX_BACKOFF_MS")
	overrideString(&cfg.Bus.CommandStream, "LOQA_BUS_COMMAND_STREAM")
	overrideString(&cfg.Control.SubjectPrefix, "LOQA_CONTROL_SUBJECT_PREFIX")
	overrideInt(&cfg.Control.InboundBuffer, "LOQA_CONTROL_INBOUND_BUFFER")
	overrideInt(&cfg.Control.EventBuffer, "LOQA_CONTROL_EVENT_BUFFER")
	overrideString(&cfg.Stream.Path, "LOQA_STREAM_PATH")
	overrideInt(&cfg.Stream.IdleTimeoutMS, "LOQA_STREAM_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Stream.WriteTimeoutMS, "LOQA_STREAM_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Stream.PongTimeoutMS, "LOQA_STREAM_PONG_TIMEOUT_MS")
	overrideInt(&cfg.Stream.MaxMessageBytes, "LOQA_STREAM_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Stream.SendBuffer, "LOQA_STREAM_SEND_BUFFER")
	overrideInt(&cfg.Delivery.AckTimeoutMS, "LOQA_DELIVERY_ACK_TIMEOUT_MS")
	overrideInt(&cfg.Delivery.CompletionTimeoutMS, "LOQA_DELIVERY_COMPLETION_TIMEOUT_MS")
	overrideBool(&cfg.Delivery.ImplicitCompletion, "LOQA_DELIVERY_IMPLICIT_COMPLETION")
	overrideInt(&cfg.Delivery.RetentionMS, "LOQA_DELIVERY_RETENTION_MS")
	overrideInt(&cfg.Delivery.PruneIntervalMS, "LOQA_DELIVERY_PRUNE_INTERVAL_MS")
	overrideString(&cfg.Codec.Encoding, "LOQA_CODEC_ENCODING")
	overrideInt(&cfg.Codec.FrameDurationMS, "LOQA_CODEC_FRAME_DURATION_MS")
	overrideString(&cfg.Codec.OpusApplication, "LOQA_CODEC_OPUS_APPLICATION")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxTracks, "LOQA_EVENT_STORE_MAX_TRACKS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.APIBaseURL, "LOQA_TTS_API_BASE_URL")
	overrideString(&cfg.TTS.ModelID, "LOQA_TTS_MODEL_ID")
	overrideString(&cfg.TTS.OutputFormat, "LOQA_TTS_OUTPUT_FORMAT")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.ConnectAttempts <= 0 {
		return errors.New("bus.connect_attempts must be >= 1")
	}
	if cfg.Bus.InitialBackoffMS <= 0 {
		return errors.New("bus.initial_backoff_ms must be positive")
	}
	if cfg.Bus.MaxBackoffMS < cfg.Bus.InitialBackoffMS {
		return errors.New("bus.max_backoff_ms must be >= bus.initial_backoff_ms")
	}
	if cfg.Control.SubjectPrefix == "" || strings.ContainsAny(cfg.Control.SubjectPrefix, "*> \t") {
		return errors.New("control.subject_prefix must be a literal subject token")
	}
	if cfg.Control.InboundBuffer <= 0 || cfg.Control.EventBuffer <= 0 {
		return errors.New("control buffers must be positive")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if !strings.HasPrefix(cfg.Stream.Path, "/") {
		return errors.New("stream.path must start with /")
	}
	if cfg.Stream.WriteTimeoutMS <= 0 || cfg.Stream.PongTimeoutMS <= 0 {
		return errors.New("stream timeouts must be positive")
	}
	if cfg.Stream.SendBuffer <= 0 {
		return errors.New("stream.send_buffer must be positive")
	}
	if cfg.Stream.IdleTimeoutMS < 0 {
		return errors.New("stream.idle_timeout_ms must be >= 0")
	}
	if cfg.Delivery.AckTimeoutMS <= 0 {
		return errors.New("delivery.ack_timeout_ms must be positive")
	}
	if cfg.Delivery.CompletionTimeoutMS <= 0 {
		return errors.New("delivery.completion_timeout_ms must be positive")
	}
	if cfg.Delivery.RetentionMS < 0 {
		return errors.New("delivery.retention_ms must be >= 0")
	}
	switch cfg.Codec.Encoding {
	case "pcm", "opus":
	default:
		return errors.New("codec.encoding must be one of pcm|opus")
	}
	switch cfg.Codec.FrameDurationMS {
	case 10, 20, 40, 60:
	default:
		return errors.New("codec.frame_duration_ms must be one of 10|20|40|60")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "elevenlabs":
	default:
		return errors.New("tts.mode must be one of mock|exec|elevenlabs")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "elevenlabs" && cfg.TTS.APIKey == "" {
		return errors.New("tts.api_key must be set when mode=elevenlabs")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	return nil
}
