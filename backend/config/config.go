package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ravigill3969/fitscan/backend/models"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Auth      AuthConfig
	Firestore FirestoreConfig
	Stripe    StripeConfig
	OpenAI    OpenAIConfig
	Nutrition NutritionConfig
	Credits   CreditsConfig
	Scans     ScanConfig
}

type ServerConfig struct {
	Port         string
	Environment  string
	BackendURL   string
	FrontendURL  string
	StoreBackend string // postgres | firestore | memory
	RateLimit    int
	// InlineWorker runs the analysis worker inside the API process. Needed when the store
	// or photo storage is in memory.
	InlineWorker bool
}

type DatabaseConfig struct {
	URL            string
	MigrationsAuto bool
}

type RedisConfig struct {
	URL string
}

type AWSConfig struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

type AuthConfig struct {
	// FirebaseProjectID enables RS256 verification of Firebase ID tokens via JWKS.
	FirebaseProjectID string
	JWKSURL           string
	// HMACSecret enables HS256 tokens, used for local development and service calls.
	HMACSecret string
}

type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PacksFile     string
	Packs         map[string]models.CreditPack
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type NutritionConfig struct {
	USDAAPIKey     string
	USDABaseURL    string
	OFFBaseURL     string
	CacheTTL       time.Duration
	RequestTimeout time.Duration
}

type CreditsConfig struct {
	MaxOperationAttempts int
}

type ScanConfig struct {
	MaxPhotoBytes int64
	AbandonAfter  time.Duration
	SweepEvery    time.Duration
	UploadWorkers int

	// OperationRetention is how long finished user operation records are kept for replay.
	OperationRetention time.Duration
}

const defaultFirebaseJWKS = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// Load builds the configuration once at startup. The returned value is passed to every
// constructor; nothing else reads the environment.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			BackendURL:   getEnv("BACKEND_URL", "http://localhost:8080"),
			FrontendURL:  strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:5173"), "/"),
			StoreBackend: getEnv("STORE_BACKEND", "postgres"),
			RateLimit:    getEnvInt("RATE_LIMIT_PER_MINUTE", 100),
			InlineWorker: getEnvBool("INLINE_WORKER", false),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", "postgres://postgres@localhost:5432/fitscan?sslmode=disable"),
			MigrationsAuto: getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		AWS: AWSConfig{
			Region:    getEnv("AWS_REGION", "us-east-1"),
			Bucket:    getEnv("AWS_BUCKET_NAME", ""),
			AccessKey: getEnv("AWS_S3_BUCKET_ACCESS_KEY", ""),
			SecretKey: getEnv("AWS_S3_BUCKET_SECRET_ACCESS_KEY", ""),
		},
		Auth: AuthConfig{
			FirebaseProjectID: getEnv("FIREBASE_PROJECT_ID", ""),
			JWKSURL:           getEnv("AUTH_JWKS_URL", defaultFirebaseJWKS),
			HMACSecret:        getEnv("AUTH_HMAC_SECRET", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:       getEnv("FIRESTORE_PROJECT_ID", getEnv("FIREBASE_PROJECT_ID", "")),
			CredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			PacksFile:     getEnv("CREDIT_PACKS_FILE", "credit_packs.yaml"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnv("OPENAI_VISION_MODEL", "gpt-4o"),
		},
		Nutrition: NutritionConfig{
			USDAAPIKey:     getEnv("USDA_API_KEY", "DEMO_KEY"),
			USDABaseURL:    getEnv("USDA_BASE_URL", "https://api.nal.usda.gov/fdc/v1"),
			OFFBaseURL:     getEnv("OFF_BASE_URL", "https://world.openfoodfacts.org"),
			CacheTTL:       getEnvDuration("NUTRITION_CACHE_TTL", 24*time.Hour),
			RequestTimeout: getEnvDuration("NUTRITION_TIMEOUT", 8*time.Second),
		},
		Credits: CreditsConfig{
			MaxOperationAttempts: getEnvInt("MAX_OPERATION_ATTEMPTS", 3),
		},
		Scans: ScanConfig{
			MaxPhotoBytes:      int64(getEnvInt("SCAN_MAX_PHOTO_MB", 8)) << 20,
			AbandonAfter:       getEnvDuration("SCAN_ABANDON_AFTER", 6*time.Hour),
			SweepEvery:         getEnvDuration("SCAN_SWEEP_EVERY", 30*time.Minute),
			UploadWorkers:      getEnvInt("SCAN_UPLOAD_WORKERS", 4),
			OperationRetention: getEnvDuration("OPERATION_RETENTION", 7*24*time.Hour),
		},
	}

	packs, err := LoadCreditPacks(cfg.Stripe.PacksFile)
	if err != nil {
		return nil, err
	}
	cfg.Stripe.Packs = packs

	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

type packFile struct {
	Packs []models.CreditPack `yaml:"packs"`
}

// LoadCreditPacks reads the price catalog. A missing file yields an empty catalog.
func LoadCreditPacks(path string) (map[string]models.CreditPack, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]models.CreditPack{}, nil
		}
		return nil, fmt.Errorf("read credit packs: %w", err)
	}
	return ParseCreditPacks(raw)
}

func ParseCreditPacks(raw []byte) (map[string]models.CreditPack, error) {
	var f packFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse credit packs: %w", err)
	}

	out := make(map[string]models.CreditPack, len(f.Packs))
	for _, p := range f.Packs {
		if p.PriceID == "" {
			return nil, fmt.Errorf("credit pack %q has no price_id", p.Name)
		}
		if p.Credits <= 0 {
			return nil, fmt.Errorf("credit pack %q must grant at least one credit", p.PriceID)
		}
		if _, dup := out[p.PriceID]; dup {
			return nil, fmt.Errorf("duplicate credit pack price_id %q", p.PriceID)
		}
		out[p.PriceID] = p
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}
