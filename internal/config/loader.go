package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/rag"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":        {"elevenlabs"},
	"embeddings": {"ollama", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the zero values of cfg before validation. Explicit
// zeroes in the YAML are indistinguishable from omissions and get the same
// defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Pipeline.SampleRate == 0 {
		cfg.Pipeline.SampleRate = 16000
	}
	if cfg.Pipeline.Temperature == 0 {
		cfg.Pipeline.Temperature = 0.7
	}
	if cfg.Pipeline.MaxTokens == 0 {
		cfg.Pipeline.MaxTokens = 200
	}
	if cfg.Pipeline.SilenceDebounceMS == 0 {
		cfg.Pipeline.SilenceDebounceMS = 400
	}
	if cfg.Pipeline.DebounceMinMS == 0 {
		cfg.Pipeline.DebounceMinMS = 400
	}
	if cfg.Pipeline.DebounceMaxMS == 0 {
		cfg.Pipeline.DebounceMaxMS = 1200
	}
	if cfg.Pipeline.CancellationThreshold == 0 {
		cfg.Pipeline.CancellationThreshold = 0.3
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 3
	}
	if cfg.Retrieval.MinSimilarity == 0 {
		cfg.Retrieval.MinSimilarity = 0.3
	}
	if cfg.Retrieval.TimeoutMS == 0 {
		cfg.Retrieval.TimeoutMS = 500
	}
	if cfg.Retrieval.ChunkSize == 0 {
		cfg.Retrieval.ChunkSize = 500
	}
	if cfg.Retrieval.ChunkOverlap == 0 {
		cfg.Retrieval.ChunkOverlap = 50
	}

	if cfg.Providers.Embeddings.Primary.Name != "" && cfg.Storage.EmbeddingDimensions == 0 {
		slog.Warn("storage.embedding_dimensions not set; defaulting to 1536")
		cfg.Storage.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.FrontendOrigin == "" {
		slog.Warn("server.frontend_origin is empty; browsers will be denied cross-origin access")
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Providers — the three pipeline stages are required; the server cannot
	// run a turn without them.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Primary.Name)
	if cfg.Providers.Embeddings.Fallback != nil {
		validateProviderName("embeddings", cfg.Providers.Embeddings.Fallback.Name)
	}

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	errs = append(errs, validateCredentials(cfg)...)

	if cfg.Providers.Embeddings.Fallback != nil && cfg.Providers.Embeddings.Primary.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.fallback requires providers.embeddings.primary"))
	}
	if cfg.Providers.Embeddings.Primary.Name == "" {
		slog.Warn("providers.embeddings.primary is not configured; document retrieval will be unavailable")
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if cfg.Storage.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions %d must not be negative", cfg.Storage.EmbeddingDimensions))
	}

	// Retrieval
	if cfg.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Errorf("retrieval.top_k %d must be at least 1", cfg.Retrieval.TopK))
	}
	if cfg.Retrieval.MinSimilarity < 0 || cfg.Retrieval.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_similarity %.2f is out of range [0, 1]", cfg.Retrieval.MinSimilarity))
	}
	if cfg.Retrieval.TimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("retrieval.timeout_ms %d must be positive", cfg.Retrieval.TimeoutMS))
	}
	if cfg.Retrieval.ChunkSize < rag.MinChunkSize || cfg.Retrieval.ChunkSize > rag.MaxChunkSize {
		errs = append(errs, fmt.Errorf("retrieval.chunk_size %d is out of range [%d, %d]", cfg.Retrieval.ChunkSize, rag.MinChunkSize, rag.MaxChunkSize))
	}
	if cfg.Retrieval.ChunkOverlap < 0 || cfg.Retrieval.ChunkOverlap > rag.MaxChunkOverlap {
		errs = append(errs, fmt.Errorf("retrieval.chunk_overlap %d is out of range [0, %d]", cfg.Retrieval.ChunkOverlap, rag.MaxChunkOverlap))
	}
	if cfg.Retrieval.ChunkOverlap >= cfg.Retrieval.ChunkSize {
		errs = append(errs, fmt.Errorf("retrieval.chunk_overlap %d must be less than retrieval.chunk_size %d", cfg.Retrieval.ChunkOverlap, cfg.Retrieval.ChunkSize))
	}

	// Pipeline
	if cfg.Pipeline.SampleRate < 8000 || cfg.Pipeline.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is out of range [8000, 48000]", cfg.Pipeline.SampleRate))
	}
	if cfg.Pipeline.Temperature < 0 || cfg.Pipeline.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", cfg.Pipeline.Temperature))
	}
	if cfg.Pipeline.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must be at least 1", cfg.Pipeline.MaxTokens))
	}
	if cfg.Pipeline.DebounceMinMS < 1 {
		errs = append(errs, fmt.Errorf("pipeline.debounce_min_ms %d must be positive", cfg.Pipeline.DebounceMinMS))
	}
	if cfg.Pipeline.DebounceMaxMS < cfg.Pipeline.DebounceMinMS {
		errs = append(errs, fmt.Errorf("pipeline.debounce_max_ms %d must be at least debounce_min_ms %d", cfg.Pipeline.DebounceMaxMS, cfg.Pipeline.DebounceMinMS))
	}
	if cfg.Pipeline.SilenceDebounceMS < cfg.Pipeline.DebounceMinMS || cfg.Pipeline.SilenceDebounceMS > cfg.Pipeline.DebounceMaxMS {
		errs = append(errs, fmt.Errorf("pipeline.silence_debounce_ms %d is outside [debounce_min_ms %d, debounce_max_ms %d]",
			cfg.Pipeline.SilenceDebounceMS, cfg.Pipeline.DebounceMinMS, cfg.Pipeline.DebounceMaxMS))
	}
	if cfg.Pipeline.CancellationThreshold <= 0 || cfg.Pipeline.CancellationThreshold >= 1 {
		errs = append(errs, fmt.Errorf("pipeline.cancellation_threshold %.2f is out of range (0, 1)", cfg.Pipeline.CancellationThreshold))
	}
	if cfg.Providers.TTS.Name != "" && cfg.Pipeline.Voice.VoiceID == "" {
		errs = append(errs, errors.New("pipeline.voice.voice_id is required"))
	}
	if cfg.Pipeline.Voice.Stability < 0 || cfg.Pipeline.Voice.Stability > 1 {
		errs = append(errs, fmt.Errorf("pipeline.voice.stability %.2f is out of range [0, 1]", cfg.Pipeline.Voice.Stability))
	}
	if cfg.Pipeline.Voice.SimilarityBoost < 0 || cfg.Pipeline.Voice.SimilarityBoost > 1 {
		errs = append(errs, fmt.Errorf("pipeline.voice.similarity_boost %.2f is out of range [0, 1]", cfg.Pipeline.Voice.SimilarityBoost))
	}

	return errors.Join(errs...)
}

// validateCredentials returns errors for provider entries whose named backend
// cannot work without an API key. Local backends (ollama, llamacpp, llamafile)
// are exempt.
func validateCredentials(cfg *Config) []error {
	var errs []error
	check := func(path string, entry ProviderEntry) {
		switch entry.Name {
		case "deepgram", "elevenlabs", "openai", "anthropic", "gemini", "deepseek", "mistral", "groq":
			if entry.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required for provider %q", path, entry.Name))
			}
		}
	}
	check("providers.stt", cfg.Providers.STT)
	check("providers.llm", cfg.Providers.LLM)
	check("providers.tts", cfg.Providers.TTS)
	check("providers.embeddings.primary", cfg.Providers.Embeddings.Primary)
	if cfg.Providers.Embeddings.Fallback != nil {
		check("providers.embeddings.fallback", *cfg.Providers.Embeddings.Fallback)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
