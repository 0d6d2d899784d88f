package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	HTTPPort string `envconfig:"HTTP_PORT" default:"4242"`

	// Datenbank: postgres im Betrieb, sqlite für lokale Läufe
	DBDriver   string `envconfig:"DB_DRIVER" default:"postgres"`
	DBHost     string `envconfig:"DB_HOST"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"validator.db"`

	// Intake
	MaxUploadBytes int64 `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`

	// Registry
	RegistryTimeout time.Duration `envconfig:"REGISTRY_TIMEOUT" default:"2s"`

	// Verdict-Policy
	IdentityConfidenceMin float64 `envconfig:"IDENTITY_CONFIDENCE_MIN" default:"0.6"`
	AuthenticThreshold    float64 `envconfig:"AUTHENTIC_THRESHOLD" default:"90"`
	SuspiciousThreshold   float64 `envconfig:"SUSPICIOUS_THRESHOLD" default:"70"`
	SubScoreThreshold     float64 `envconfig:"SUBSCORE_THRESHOLD" default:"70"`

	// Gewichtung der Authentizitätsprüfungen, Summe muss 1 ergeben
	WeightFont      float64 `envconfig:"WEIGHT_FONT" default:"0.25"`
	WeightPixel     float64 `envconfig:"WEIGHT_PIXEL" default:"0.3"`
	WeightMetadata  float64 `envconfig:"WEIGHT_METADATA" default:"0.2"`
	WeightSignature float64 `envconfig:"WEIGHT_SIGNATURE" default:"0.25"`

	// Fraud-Monitor
	FraudWindow           time.Duration `envconfig:"FRAUD_WINDOW" default:"1h"`
	FraudIPThreshold      int           `envconfig:"FRAUD_IP_THRESHOLD" default:"10"`
	FraudPruneSchedule    string        `envconfig:"FRAUD_PRUNE_SCHEDULE" default:"@every 1m"`
	IssuerRefreshSchedule string        `envconfig:"ISSUER_REFRESH_SCHEDULE" default:"@every 5m"`

	// Externer OCR-Dienst (optional)
	OCRServiceURL string        `envconfig:"OCR_SERVICE_URL"`
	OCRAPIKey     string        `envconfig:"OCR_API_KEY"`
	OCRTimeout    time.Duration `envconfig:"OCR_TIMEOUT" default:"30s"`

	// Transienter Blob-Speicher während der Extraktion (optional)
	S3Key    string `envconfig:"S3_KEY"`
	S3Secret string `envconfig:"S3_SECRET"`
	S3URL    string `envconfig:"S3_URL"`
	S3Region string `envconfig:"S3_REGION" default:"eu-central-1"`
	S3Bucket string `envconfig:"S3_BUCKET"`

	// Zugriff
	APISecretKey      string `envconfig:"API_SECRET_KEY"`
	IdentityJWTSecret string `envconfig:"IDENTITY_JWT_SECRET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// S3Enabled meldet, ob alle Parameter für den Blob-Speicher gesetzt sind.
func (c *Config) S3Enabled() bool {
	return c.S3URL != "" && c.S3Bucket != "" && c.S3Key != "" && c.S3Secret != ""
}

// Validate prüft Gewichte und Schwellwerte auf Konsistenz.
func (c *Config) Validate() error {
	sum := c.WeightFont + c.WeightPixel + c.WeightMetadata + c.WeightSignature
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("authenticity weights must sum to 1, got %.4f", sum)
	}
	if c.SuspiciousThreshold >= c.AuthenticThreshold {
		return errors.New("SUSPICIOUS_THRESHOLD must be below AUTHENTIC_THRESHOLD")
	}
	if c.IdentityConfidenceMin < 0 || c.IdentityConfidenceMin > 1 {
		return errors.New("IDENTITY_CONFIDENCE_MIN must be within [0,1]")
	}
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.DBDriver == "postgres" && (c.DBHost == "" || c.DBUser == "" || c.DBName == "") {
		return errors.New("DB_HOST, DB_USER and DB_NAME are required for postgres")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return &c, err
	}
	return &c, c.Validate()
}
