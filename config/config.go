package config

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	PubsubTopic         string
	Subscription        string
	GoogleProjectID     string
	DataDir             string
	MetricsPort         int
	LogLevel            string
	CredentialsFile     string
	RegistrationTimeout time.Duration
	NetworkPlayerCap    int
}

func Load() *Config {
	cfg := &Config{
		Subscription:        strings.TrimSpace(getEnv("FLEET_EVENT_SUBSCRIPTION", os.Getenv("REGISTRY_PUBSUB_SUBSCRIPTION"))),
		PubsubTopic:         strings.TrimSpace(getEnv("REGISTRATION_RESULT_TOPIC", os.Getenv("REGISTRY_PUBSUB_TOPIC"))),
		DataDir:             strings.TrimSpace(getEnv("REGISTRY_DATA_DIR", "/var/lib/fulcrum-registry")),
		MetricsPort:         getEnvInt("REGISTRY_METRICS_PORT", 8080),
		LogLevel:            strings.TrimSpace(getEnv("REGISTRY_LOG_LEVEL", "info")),
		CredentialsFile:     strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("REGISTRY_GSA_CREDENTIALS"))),
		RegistrationTimeout: time.Duration(getEnvInt("REGISTRY_REGISTRATION_TIMEOUT_SECONDS", 30)) * time.Second,
		NetworkPlayerCap:    getEnvInt("REGISTRY_NETWORK_PLAYER_CAP", 100),
	}

	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("REGISTRY_PUBSUB_PROJECT_ID", "")))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or REGISTRY_PUBSUB_PROJECT_ID")
	}
	if cfg.Subscription == "" {
		log.Warn().Msg("Pub/Sub subscription not set; set FLEET_EVENT_SUBSCRIPTION or REGISTRY_PUBSUB_SUBSCRIPTION")
	}
	if cfg.PubsubTopic == "" {
		log.Warn().Msg("Pub/Sub topic not set; set REGISTRATION_RESULT_TOPIC or REGISTRY_PUBSUB_TOPIC")
	}
	return cfg
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"projectID":           c.GoogleProjectID,
		"eventSubscription":   c.Subscription,
		"resultTopic":         c.PubsubTopic,
		"dataDir":             c.DataDir,
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"registrationTimeout": c.RegistrationTimeout.String(),
		"networkPlayerCap":    c.NetworkPlayerCap,
		"credentialsProvided": c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int in environment, using default")
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", err
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override from registry env
	if explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using REGISTRY_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) External k8s override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (REGISTRY_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
