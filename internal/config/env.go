package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/scrypt"
)

const (
	defaultEnvPrefix = "AUTHRISK_"
	encryptedPrefix  = "ENC:"
)

// EnvManager reads AUTHRISK_* overrides and decrypts ENC: secrets
type EnvManager struct {
	encryptionKey []byte
	prefix        string
}

// NewEnvManager creates a new environment variable manager
func NewEnvManager(encryptionKey string, prefix string) *EnvManager {
	if prefix == "" {
		prefix = defaultEnvPrefix
	}
	if encryptionKey == "" {
		encryptionKey = os.Getenv(prefix + "ENCRYPTION_KEY")
	}

	key, _ := scrypt.Key([]byte(encryptionKey), []byte("authrisk-salt"), 32768, 8, 1, 32)

	return &EnvManager{
		encryptionKey: key,
		prefix:        prefix,
	}
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.envKey(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetFloat gets a float environment variable
func (em *EnvManager) GetFloat(key string, defaultValue float64) float64 {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

// GetSecret returns the value, decrypting it when it carries the ENC: prefix.
// A value that fails to decrypt yields the default.
func (em *EnvManager) GetSecret(key string, defaultValue string) string {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value
	}

	decrypted, err := em.decrypt(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return defaultValue
	}
	return decrypted
}

// SetSecret stores value encrypted with the ENC: prefix
func (em *EnvManager) SetSecret(key string, value string) error {
	if value == "" {
		return em.SetString(key, "")
	}

	encrypted, err := em.encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}
	return em.SetString(key, encryptedPrefix+encrypted)
}

// SetString sets a string environment variable
func (em *EnvManager) SetString(key string, value string) error {
	return os.Setenv(em.envKey(key), value)
}

// Apply overlays AUTHRISK_* variables onto cfg.
// Unset or malformed variables leave the existing value in place.
func (em *EnvManager) Apply(cfg *Config) {
	cfg.App.Env = em.GetString("ENV", cfg.App.Env)

	cfg.Server.Host = em.GetString("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = em.GetInt("SERVER_PORT", cfg.Server.Port)

	cfg.Database.Driver = em.GetString("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.Path = em.GetString("DATABASE_PATH", cfg.Database.Path)
	cfg.Database.Host = em.GetString("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = em.GetInt("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = em.GetString("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = em.GetSecret("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = em.GetString("DATABASE_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = em.GetString("DATABASE_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Addr = em.GetString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = em.GetSecret("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = em.GetInt("REDIS_DB", cfg.Redis.DB)

	cfg.Cache.Driver = em.GetString("CACHE_DRIVER", cfg.Cache.Driver)
	cfg.Cache.Fallback = em.GetBool("CACHE_FALLBACK", cfg.Cache.Fallback)

	cfg.JWT.SecretKey = em.GetSecret("JWT_SECRET", cfg.JWT.SecretKey)

	cfg.Logging.Level = em.GetString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = em.GetString("LOG_FORMAT", cfg.Logging.Format)

	cfg.GeoIP.CityPath = em.GetString("GEOIP_CITY_PATH", cfg.GeoIP.CityPath)
	cfg.GeoIP.ASNPath = em.GetString("GEOIP_ASN_PATH", cfg.GeoIP.ASNPath)

	cfg.Kafka.Enabled = em.GetBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	if brokers := em.GetString("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = em.GetString("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Alerting.Webhook.URL = em.GetString("ALERT_WEBHOOK_URL", cfg.Alerting.Webhook.URL)
	cfg.Alerting.Webhook.Secret = em.GetSecret("ALERT_WEBHOOK_SECRET", cfg.Alerting.Webhook.Secret)
	cfg.Alerting.Slack.WebhookURL = em.GetSecret("ALERT_SLACK_WEBHOOK_URL", cfg.Alerting.Slack.WebhookURL)

	cfg.Risk.RetentionDays = em.GetInt("RETENTION_DAYS", cfg.Risk.RetentionDays)
	cfg.Risk.Behavior.MinSamples = em.GetInt("BEHAVIOR_MIN_SAMPLES", cfg.Risk.Behavior.MinSamples)
	cfg.Risk.Behavior.AnomalyThreshold = em.GetFloat("BEHAVIOR_ANOMALY_THRESHOLD", cfg.Risk.Behavior.AnomalyThreshold)
	cfg.Risk.Behavior.FailOpen = em.GetBool("BEHAVIOR_FAIL_OPEN", cfg.Risk.Behavior.FailOpen)
	cfg.Risk.RateLimit.MaxAttempts = em.GetInt("RATE_LIMIT_MAX_ATTEMPTS", cfg.Risk.RateLimit.MaxAttempts)
	cfg.Risk.RateLimit.DecaySeconds = em.GetInt("RATE_LIMIT_DECAY_SECONDS", cfg.Risk.RateLimit.DecaySeconds)
	cfg.Risk.Device.HashKey = em.GetSecret("DEVICE_HASH_KEY", cfg.Risk.Device.HashKey)
}

// LoadFromFile loads a dotenv file without overriding variables already set
func (em *EnvManager) LoadFromFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", filename, err)
	}
	return nil
}

// ValidateRequired checks if all required environment variables are set
func (em *EnvManager) ValidateRequired(required []string) error {
	var missing []string

	for _, key := range required {
		if os.Getenv(em.envKey(key)) == "" {
			missing = append(missing, em.envKey(key))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

func (em *EnvManager) envKey(key string) string {
	return em.prefix + strings.ToUpper(key)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// encrypt encrypts a string value
func (em *EnvManager) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(plaintext))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts an encrypted string value
func (em *EnvManager) decrypt(encryptedText string) (string, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encryptedText)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aes.BlockSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(ciphertext, ciphertext)

	return string(ciphertext), nil
}
