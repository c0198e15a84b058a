package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"scenegen/internal/domain"
)

const (
	EnvDevelopment = "development"
	EnvRelease     = "release"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	Port              string
	DefaultEnv        string
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ContinuityBackend string
	ContinuityDir     string
	ReferenceDir      string
	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
	BatchConcurrency  int

	// ClientGeneratePerMinute bounds generation requests per client IP.
	ClientGeneratePerMinute int
	CORSAllowedOrigins      []string

	environments map[string]Environment
}

// Environment is the immutable credential and budget set a pipeline run uses.
// It is selected per call and never swapped globally.
type Environment struct {
	Name     string
	Provider ProviderSettings
	Fetch    FetchSettings
	Storage  StorageSettings
}

// ProviderSettings configures the generation provider for one environment.
type ProviderSettings struct {
	BaseURL           string
	AccessKey         string
	SecretKey         string
	Model             string
	AspectRatio       string
	Count             int
	MaxAttempts       int
	PollDelay         time.Duration
	TokenTTL          time.Duration
	UseReferenceImage bool
	ReferenceFidelity float64
	SubmitPerMinute   int
}

// FetchSettings bounds artifact downloads.
type FetchSettings struct {
	MaxAttempts    int
	Delay          time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// StorageSettings configures object storage and the local fallback copy.
type StorageSettings struct {
	Bucket               string
	Region               string
	AccessKey            string
	SecretKey            string
	Endpoint             string
	LocalDir             string
	StaticPrefix         string
	UseLocalURLOnFailure bool
	Location             *time.Location
}

// HasCredentials reports whether uploads can be attempted at all.
func (s StorageSettings) HasCredentials() bool {
	return s.Bucket != "" && s.AccessKey != "" && s.SecretKey != ""
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DefaultEnv:        strings.ToLower(getEnv("GENERATION_ENV", EnvDevelopment)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASS"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		ContinuityBackend: strings.ToLower(getEnv("CONTINUITY_BACKEND", "file")),
		ContinuityDir:     getEnv("CONTINUITY_DIR", "data/stories"),
		ReferenceDir:      getEnv("REFERENCE_DIR", "images/references"),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		// A request blocks for a full generation, so the write timeout is long.
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 300)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 3),

		ClientGeneratePerMinute: getEnvInt("CLIENT_GENERATE_PER_MINUTE", 30),
		CORSAllowedOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	switch cfg.ContinuityBackend {
	case "file", "redis":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres continuity backend")
		}
	default:
		return nil, fmt.Errorf("unsupported CONTINUITY_BACKEND %q", cfg.ContinuityBackend)
	}

	dev, err := loadEnvironment(EnvDevelopment, "")
	if err != nil {
		return nil, err
	}
	release, err := loadEnvironment(EnvRelease, "RELEASE_")
	if err != nil {
		return nil, err
	}
	cfg.environments = map[string]Environment{
		EnvDevelopment: dev,
		EnvRelease:     release,
	}
	if _, ok := cfg.environments[cfg.DefaultEnv]; !ok {
		return nil, fmt.Errorf("GENERATION_ENV %q is not one of %s, %s", cfg.DefaultEnv, EnvDevelopment, EnvRelease)
	}
	return cfg, nil
}

// Environment returns the named environment. An empty name selects DefaultEnv.
func (c *Config) Environment(name string) (Environment, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = c.DefaultEnv
	}
	env, ok := c.environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("%w: %q", domain.ErrUnknownEnv, name)
	}
	return env, nil
}

// MustEnvironment is for boot code where an unknown name is a programming error.
func (c *Config) MustEnvironment(name string) Environment {
	env, err := c.Environment(name)
	if err != nil {
		panic(err)
	}
	return env
}

// Environments lists the configured environments.
func (c *Config) Environments() []Environment {
	return []Environment{c.environments[EnvDevelopment], c.environments[EnvRelease]}
}

// loadEnvironment reads prefixed variables; release values fall back to the
// unprefixed ones except for the region, which has its own default.
func loadEnvironment(name, prefix string) (Environment, error) {
	str := func(key, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + key); v != "" {
				return v
			}
		}
		return getEnv(key, fallback)
	}
	num := func(key string, fallback int) int {
		if prefix != "" {
			if v, ok := lookupInt(prefix + key); ok {
				return v
			}
		}
		return getEnvInt(key, fallback)
	}

	region := getEnv("S3_REGION", "ap-northeast-2")
	if prefix != "" {
		region = getEnv(prefix+"S3_REGION", "us-east-2")
	}
	locationName := str("TIMEZONE", "Asia/Seoul")
	location, err := time.LoadLocation(locationName)
	if err != nil {
		return Environment{}, fmt.Errorf("%s: load TIMEZONE %q: %w", name, locationName, err)
	}

	env := Environment{
		Name: name,
		Provider: ProviderSettings{
			BaseURL:           strings.TrimRight(str("PROVIDER_BASE_URL", "https://api.klingai.com/v1/images"), "/"),
			AccessKey:         str("PROVIDER_ACCESS_KEY", ""),
			SecretKey:         str("PROVIDER_SECRET_KEY", ""),
			Model:             str("PROVIDER_MODEL", "kling-v1-5"),
			AspectRatio:       str("ASPECT_RATIO", "1:1"),
			Count:             num("NUM_OF_IMAGES", 1),
			MaxAttempts:       num("MAX_ATTEMPTS", 50),
			PollDelay:         time.Duration(num("DELAY_SECONDS", 3)) * time.Second,
			TokenTTL:          time.Duration(num("TOKEN_TTL_MINUTES", 30)) * time.Minute,
			UseReferenceImage: getEnvBool(prefix+"USE_REFERENCE_IMAGE", getEnvBool("USE_REFERENCE_IMAGE", false)),
			ReferenceFidelity: getEnvFloat("IMAGE_FIDELITY", 0.1),
			SubmitPerMinute:   num("SUBMIT_PER_MINUTE", 60),
		},
		Fetch: FetchSettings{
			MaxAttempts:    num("FETCH_MAX_ATTEMPTS", 5),
			Delay:          time.Duration(num("FETCH_DELAY_SECONDS", 2)) * time.Second,
			ConnectTimeout: time.Duration(num("FETCH_CONNECT_TIMEOUT_SECONDS", 20)) * time.Second,
			ReadTimeout:    time.Duration(num("FETCH_READ_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Storage: StorageSettings{
			Bucket:               strings.TrimSuffix(strings.TrimPrefix(str("S3_BUCKET_NAME", ""), "s3://"), "/"),
			Region:               region,
			AccessKey:            str("S3_ACCESS_KEY", ""),
			SecretKey:            str("S3_SECRET_KEY", ""),
			Endpoint:             str("S3_ENDPOINT", ""),
			LocalDir:             str("LOCAL_ARTIFACT_DIR", "images"),
			StaticPrefix:         str("STATIC_PREFIX", "/static/images"),
			UseLocalURLOnFailure: getEnvBool(prefix+"USE_LOCAL_URL_ON_S3_FAILURE", getEnvBool("USE_LOCAL_URL_ON_S3_FAILURE", false)),
			Location:             location,
		},
	}
	if env.Provider.MaxAttempts <= 0 {
		return Environment{}, fmt.Errorf("%s: MAX_ATTEMPTS must be positive", name)
	}
	if env.Fetch.MaxAttempts <= 0 {
		return Environment{}, fmt.Errorf("%s: FETCH_MAX_ATTEMPTS must be positive", name)
	}
	return env, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func lookupInt(key string) (int, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvInt(key string, fallback int) int {
	if i, ok := lookupInt(key); ok {
		return i
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "t", "yes", "y", "1":
		return true
	default:
		return false
	}
}
