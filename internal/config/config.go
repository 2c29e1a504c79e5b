package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConverterDocling = "docling"
	ConverterNative  = "native"
)

type Config struct {
	// Server
	Port string

	// Secrets
	InternalSharedSecret string

	// Limits
	MaxJSONBodyBytes int64
	MaxUploadBytes   int64

	// Concurrency
	MaxConcurrentRequests int64
	MaxConvertConcurrent  int64

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Request timeouts
	ProcessTimeout time.Duration
	TablesTimeout  time.Duration

	// rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int

	// housekeeping
	CleanupInterval time.Duration

	// health
	HealthDegradeRatio float64

	// http
	MaxHeaderBytes int

	// Conversion engine: "docling" or "native"
	Converter string

	DoclingURL         string
	DoclingAPIKey      string
	DoclingTimeout     time.Duration
	DoclingDoOCR       bool
	DoclingDoTables    bool
	DoclingImagesScale float64

	// Native engine (poppler) timeouts
	PDFToTextTimeout time.Duration
	RenderTimeout    time.Duration
	NativeMaxPages   int

	// IBM Cloud Object Storage
	COSEndpoint     string
	COSAPIKey       string
	COSInstanceCRN  string
	COSBucket       string
	COSIAMEndpoint  string
	COSRegion       string
	DownloadTimeout time.Duration
	MaxObjectBytes  int64

	LogLevel slog.Level
}

// source resolves a key from the environment first, then the optional
// config file.
type source map[string]string

// Load reads the YAML file named by CONFIG_FILE, if any, and overlays the
// environment on it.
func Load() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		var err error
		if src, err = loadFile(path); err != nil {
			return Config{}, err
		}
	}
	return src.config(), nil
}

func loadFile(path string) (source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseFile(raw)
}

// parseFile accepts a flat mapping whose keys are the environment variable
// names, in any case.
func parseFile(raw []byte) (source, error) {
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	src := make(source, len(m))
	for k, v := range m {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("parse config: key %s must be a scalar", k)
		case nil:
			continue
		}
		src[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return src, nil
}

func (s source) config() Config {
	return Config{
		Port: s.envStr("PORT", "8080"),

		InternalSharedSecret: s.envStr("INTERNAL_SHARED_SECRET", ""),

		MaxJSONBodyBytes: int64(s.envInt("MAX_JSON_BODY_BYTES", 1<<20)),
		MaxUploadBytes:   int64(s.envInt("MAX_UPLOAD_BYTES", int(200<<20))),

		MaxConcurrentRequests: int64(s.envInt("MAX_CONCURRENT_REQUESTS", 15)),
		MaxConvertConcurrent:  int64(s.envInt("MAX_CONVERT_CONCURRENT", 3)),

		ReadHeaderTimeout: s.envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       s.envDur("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      s.envDur("WRITE_TIMEOUT", 300*time.Second),
		IdleTimeout:       s.envDur("IDLE_TIMEOUT", 60*time.Second),

		ProcessTimeout: s.envDur("PROCESS_TIMEOUT", 280*time.Second),
		TablesTimeout:  s.envDur("TABLES_TIMEOUT", 280*time.Second),

		RateLimitEvery: s.envDur("RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst: s.envInt("RATE_LIMIT_BURST", 20),

		CleanupInterval: s.envDur("CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: s.envFloat("HEALTH_DEGRADE_RATIO", 0.9),

		MaxHeaderBytes: s.envInt("MAX_HEADER_BYTES", 1<<20),

		Converter: strings.ToLower(s.envStr("CONVERTER", ConverterDocling)),

		DoclingURL:         s.envStr("DOCLING_URL", "http://localhost:5001"),
		DoclingAPIKey:      s.envStr("DOCLING_API_KEY", ""),
		DoclingTimeout:     s.envDur("DOCLING_TIMEOUT", 270*time.Second),
		DoclingDoOCR:       s.envBool("DOCLING_DO_OCR", true),
		DoclingDoTables:    s.envBool("DOCLING_DO_TABLE_STRUCTURE", true),
		DoclingImagesScale: s.envFloat("DOCLING_IMAGES_SCALE", 2.0),

		PDFToTextTimeout: s.envDur("PDFTOTEXT_TIMEOUT", 10*time.Second),
		RenderTimeout:    s.envDur("RENDER_TIMEOUT", 20*time.Second),
		NativeMaxPages:   s.envInt("NATIVE_MAX_PAGES", 500),

		COSEndpoint:     s.envStr("COS_ENDPOINT", ""),
		COSAPIKey:       s.envStr("COS_API_KEY_ID", ""),
		COSInstanceCRN:  s.envStr("COS_INSTANCE_CRN", ""),
		COSBucket:       s.envStr("BUCKET_NAME", ""),
		COSIAMEndpoint:  s.envStr("COS_IAM_ENDPOINT", ""),
		COSRegion:       s.envStr("COS_REGION", ""),
		DownloadTimeout: s.envDur("DOWNLOAD_TIMEOUT", 25*time.Second),
		MaxObjectBytes:  int64(s.envInt("MAX_OBJECT_BYTES", int(200<<20))),

		LogLevel: s.envLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

func (c Config) Validate() error {
	if len(strings.TrimSpace(c.InternalSharedSecret)) < 32 {
		return fmt.Errorf("INTERNAL_SHARED_SECRET must be at least 32 characters")
	}
	switch c.Converter {
	case ConverterDocling:
		if strings.TrimSpace(c.DoclingURL) == "" {
			return fmt.Errorf("DOCLING_URL required for the docling converter")
		}
	case ConverterNative:
	default:
		return fmt.Errorf("CONVERTER must be %q or %q, got %q", ConverterDocling, ConverterNative, c.Converter)
	}
	return nil
}

// COSEnabled reports whether object storage is configured. Without it the
// object endpoint answers 503.
func (c Config) COSEnabled() bool {
	return c.COSEndpoint != "" && c.COSBucket != "" && c.COSAPIKey != ""
}

func (s source) lookup(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s[key])
}

func (s source) envStr(key, fallback string) string {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) envInt(key string, fallback int) int {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (s source) envFloat(key string, fallback float64) float64 {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func (s source) envDur(key string, fallback time.Duration) time.Duration {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (s source) envBool(key string, fallback bool) bool {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (s source) envLevel(key string, fallback slog.Level) slog.Level {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback
	}
	return lvl
}
