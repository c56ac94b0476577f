package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port string `yaml:"port"`

	// Storage
	DatabaseURL   string `yaml:"database_url"`
	DatabaseTable string `yaml:"database_table"`
	ScratchDir    string `yaml:"scratch_dir"`

	// Reference creation (basic auth)
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`

	// Upload limits
	MaxUploadBytes    int64    `yaml:"max_upload_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxImagePixels    int      `yaml:"max_image_pixels"`

	// Concurrency
	MaxConcurrentRequests int64 `yaml:"max_concurrent_requests"`
	MaxOCRConcurrent      int64 `yaml:"max_ocr_concurrent"`

	// OCR
	OCRBinary   string        `yaml:"ocr_binary"`
	OCRLanguage string        `yaml:"ocr_language"`
	OCRTimeout  time.Duration `yaml:"ocr_timeout"`
	PDFDPI      int           `yaml:"pdf_dpi"`

	// Matching
	MatchThreshold float64 `yaml:"match_threshold"`
	MinWords       int     `yaml:"min_words"`

	// Server timeouts
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	// Request timeouts
	VerifyTimeout time.Duration `yaml:"verify_timeout"`

	// rate limiting (per IP)
	RateLimitEvery time.Duration `yaml:"rate_limit_every"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	// Peers allowed to set X-Forwarded-For / X-Real-IP (IPs or CIDRs).
	TrustedProxies []string `yaml:"trusted_proxies"`

	// housekeeping
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ScratchMaxAge   time.Duration `yaml:"scratch_max_age"`

	// health
	HealthDegradeRatio float64 `yaml:"health_degrade_ratio"`

	// http
	MaxHeaderBytes int `yaml:"max_header_bytes"`
}

func defaults() Config {
	return Config{
		Port:                  "8080",
		DatabaseTable:         "reference_pages",
		ScratchDir:            "uploads",
		AdminUser:             "admin",
		MaxUploadBytes:        16 << 20,
		AllowedExtensions:     []string{".pdf", ".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff"},
		MaxImagePixels:        60_000_000,
		MaxConcurrentRequests: 15,
		MaxOCRConcurrent:      3,
		OCRBinary:             "tesseract",
		OCRLanguage:           "ita",
		OCRTimeout:            60 * time.Second,
		PDFDPI:                300,
		MatchThreshold:        0.75,
		MinWords:              20,
		ReadHeaderTimeout:     10 * time.Second,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          120 * time.Second,
		IdleTimeout:           60 * time.Second,
		VerifyTimeout:         90 * time.Second,
		RateLimitEvery:        600 * time.Millisecond,
		RateLimitBurst:        20,
		CleanupInterval:       5 * time.Minute,
		ScratchMaxAge:         30 * time.Minute,
		HealthDegradeRatio:    0.9,
		MaxHeaderBytes:        1 << 20,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// PAGEVERIFY_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := defaults()
	if path := envStr("PAGEVERIFY_CONFIG", ""); path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	mergeEnv(&cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func mergeEnv(c *Config) {
	c.Port = envStr("PORT", c.Port)

	c.DatabaseURL = envStr("DATABASE_URL", c.DatabaseURL)
	c.DatabaseTable = envStr("DATABASE_TABLE", c.DatabaseTable)
	c.ScratchDir = envStr("SCRATCH_DIR", c.ScratchDir)

	c.AdminUser = envStr("ADMIN_USER", c.AdminUser)
	c.AdminPassword = envStr("ADMIN_PASSWORD", c.AdminPassword)

	c.MaxUploadBytes = int64(envInt("MAX_UPLOAD_BYTES", int(c.MaxUploadBytes)))
	c.AllowedExtensions = envList("ALLOWED_EXTENSIONS", c.AllowedExtensions)
	c.MaxImagePixels = envInt("MAX_IMAGE_PIXELS", c.MaxImagePixels)

	c.MaxConcurrentRequests = int64(envInt("MAX_CONCURRENT_REQUESTS", int(c.MaxConcurrentRequests)))
	c.MaxOCRConcurrent = int64(envInt("MAX_OCR_CONCURRENT", int(c.MaxOCRConcurrent)))

	c.OCRBinary = envStr("OCR_BINARY", c.OCRBinary)
	c.OCRLanguage = envStr("OCR_LANGUAGE", c.OCRLanguage)
	c.OCRTimeout = envDur("OCR_TIMEOUT", c.OCRTimeout)
	c.PDFDPI = envInt("PDF_DPI", c.PDFDPI)

	c.MatchThreshold = envFloat("MATCH_THRESHOLD", c.MatchThreshold)
	c.MinWords = envInt("MIN_WORDS", c.MinWords)

	c.ReadHeaderTimeout = envDur("READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ReadTimeout = envDur("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = envDur("WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = envDur("IDLE_TIMEOUT", c.IdleTimeout)

	c.VerifyTimeout = envDur("VERIFY_TIMEOUT", c.VerifyTimeout)

	c.RateLimitEvery = envDur("RATE_LIMIT_EVERY", c.RateLimitEvery)
	c.RateLimitBurst = envInt("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.TrustedProxies = envList("TRUSTED_PROXIES", c.TrustedProxies)

	c.CleanupInterval = envDur("CLEANUP_INTERVAL", c.CleanupInterval)
	c.ScratchMaxAge = envDur("SCRATCH_MAX_AGE", c.ScratchMaxAge)

	c.HealthDegradeRatio = envFloat("HEALTH_DEGRADE_RATIO", c.HealthDegradeRatio)

	c.MaxHeaderBytes = envInt("MAX_HEADER_BYTES", c.MaxHeaderBytes)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if strings.TrimSpace(c.ScratchDir) == "" {
		add("scratch_dir", "scratch directory is required")
	}
	if strings.TrimSpace(c.OCRLanguage) == "" {
		add("ocr_language", "OCR language is required")
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		add("match_threshold", "must be in (0, 1]")
	}
	if c.MaxUploadBytes <= 0 {
		add("max_upload_bytes", "must be positive")
	}
	if len(c.AllowedExtensions) == 0 {
		add("allowed_extensions", "at least one extension is required")
	}
	if c.MaxOCRConcurrent <= 0 || c.MaxConcurrentRequests <= 0 {
		add("max_ocr_concurrent", "concurrency limits must be positive")
	}
	if c.ScratchMaxAge <= c.VerifyTimeout {
		add("scratch_max_age", "must exceed verify_timeout")
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		add("trusted_proxies", err.Error())
	}
	if c.AdminPassword != "" && len(c.AdminPassword) < 12 {
		add("admin_password", "must be at least 12 characters")
	}
	return errors.Join(errs...)
}

// ReferenceCreationEnabled reports whether admin credentials are configured.
func (c Config) ReferenceCreationEnabled() bool {
	return c.AdminUser != "" && c.AdminPassword != ""
}

// ProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy prefix %q", raw)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q", raw)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
