package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment  string
	Domains      []string
	CertCacheDir string
	HTTPPort     string
	HTTPSPort    string

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string

	EmbeddingAPIURL string
	EmbeddingModel  string

	// Pipeline tuning.
	StageConcurrency     int
	ModelCallTimeout     time.Duration
	QualityFloor         float64
	NearDupThreshold     float64
	DedupWindow          int
	BoundarySimFloor     float64
	BoundaryThreshold    float64
	AssociationSpatial   float64
	AssociationTextual   float64
	AssociationVisual    float64
	AssociationThreshold float64
	AssociationCap       int
}

var isTest bool

func init() {
	isTest = os.Getenv("GO_ENVIRONMENT") == "test"
	if !isTest {
		err := godotenv.Load()
		if err != nil {
			log.Println("Warning: Error loading .env file:", err)
		}
	}
}

func Load() Config {
	return Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		Domains:      []string{getEnv("DOMAIN", "example.com")},
		CertCacheDir: getEnv("CERT_CACHE_DIR", "/etc/letsencrypt/live/example.com"),
		HTTPPort:     getEnv("HTTP_PORT", "8086"),
		HTTPSPort:    getEnv("HTTPS_PORT", "443"),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),

		EmbeddingAPIURL: getEnv("EMBEDDING_API_URL", "https://api.openai.com/v1/embeddings"),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-ada-002"),

		StageConcurrency:     getEnvAsInt("STAGE_CONCURRENCY", 10),
		ModelCallTimeout:     time.Duration(getEnvAsInt("MODEL_CALL_TIMEOUT_SECONDS", 30)) * time.Second,
		QualityFloor:         getEnvAsFloat("QUALITY_FLOOR", 0.70),
		NearDupThreshold:     getEnvAsFloat("NEAR_DUP_THRESHOLD", 0.85),
		DedupWindow:          getEnvAsInt("DEDUP_WINDOW", 20),
		BoundarySimFloor:     getEnvAsFloat("BOUNDARY_SIMILARITY_FLOOR", 0.65),
		BoundaryThreshold:    getEnvAsFloat("BOUNDARY_THRESHOLD", 0.5),
		AssociationSpatial:   getEnvAsFloat("ASSOCIATION_WEIGHT_SPATIAL", 0.4),
		AssociationTextual:   getEnvAsFloat("ASSOCIATION_WEIGHT_TEXTUAL", 0.3),
		AssociationVisual:    getEnvAsFloat("ASSOCIATION_WEIGHT_VISUAL", 0.3),
		AssociationThreshold: getEnvAsFloat("ASSOCIATION_THRESHOLD", 0.6),
		AssociationCap:       getEnvAsInt("ASSOCIATION_CAP", 10),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}
