package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	StorePath  string           `yaml:"store_path" env:"STORE_PATH"` // bbolt database holding metadata and the audit ledger
	Blob       BlobConfig       `yaml:"blob"`
	Encryption EncryptionConfig `yaml:"encryption"`
	KMS        KMSConfig        `yaml:"kms"`
	Audit      AuditConfig      `yaml:"audit"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Upload     UploadConfig     `yaml:"upload"`
	TLS        TLSConfig        `yaml:"tls"`
	Server     ServerConfig     `yaml:"server"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// BlobConfig holds ciphertext store configuration.
type BlobConfig struct {
	Backend      string `yaml:"backend" env:"BLOB_BACKEND"` // s3 or memory
	Bucket       string `yaml:"bucket" env:"BLOB_BUCKET"`
	Region       string `yaml:"region" env:"BLOB_REGION"`
	Endpoint     string `yaml:"endpoint" env:"BLOB_ENDPOINT"` // leave empty for AWS, set for MinIO/Backblaze/Ceph
	AccessKey    string `yaml:"access_key" env:"BLOB_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"BLOB_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"BLOB_USE_PATH_STYLE"`
}

// EncryptionConfig holds envelope encryption configuration.
type EncryptionConfig struct {
	PreferredAlgorithm  string   `yaml:"preferred_algorithm" env:"ENCRYPTION_PREFERRED_ALGORITHM"`
	SupportedAlgorithms []string `yaml:"supported_algorithms" env:"ENCRYPTION_SUPPORTED_ALGORITHMS"`
}

// KMSConfig holds key authority configuration.
type KMSConfig struct {
	Mode        string        `yaml:"mode" env:"KMS_MODE"` // remote or local
	KeyID       string        `yaml:"key_id" env:"KMS_KEY_ID"`
	Endpoint    string        `yaml:"endpoint" env:"KMS_ENDPOINT"`
	APIToken    string        `yaml:"api_token" env:"KMS_API_TOKEN"`
	KeyFile     string        `yaml:"key_file" env:"KMS_KEY_FILE"` // local mode master key
	Timeout     time.Duration `yaml:"timeout" env:"KMS_TIMEOUT"`
	MaxAttempts int           `yaml:"max_attempts" env:"KMS_MAX_ATTEMPTS"`
}

// AuditConfig holds audit ledger configuration.
type AuditConfig struct {
	RetentionFloorDays int    `yaml:"retention_floor_days" env:"AUDIT_RETENTION_FLOOR_DAYS"`
	RetentionDays      int    `yaml:"retention_days" env:"AUDIT_RETENTION_DAYS"`
	CleanupBatchSize   int    `yaml:"cleanup_batch_size" env:"AUDIT_CLEANUP_BATCH_SIZE"`
	DataClassification string `yaml:"data_classification" env:"AUDIT_DATA_CLASSIFICATION"`
	MirrorToLog        bool   `yaml:"mirror_to_log" env:"AUDIT_MIRROR_TO_LOG"`
}

// TokenConfig holds signed-access token configuration.
type TokenConfig struct {
	Secret     string `yaml:"secret" env:"TOKEN_SECRET"`
	SecretFile string `yaml:"secret_file" env:"TOKEN_SECRET_FILE"`
	Issuer     string `yaml:"issuer" env:"TOKEN_ISSUER"`
}

// UploadConfig holds upload policy configuration.
type UploadConfig struct {
	MaxObjectSize       int64    `yaml:"max_object_size" env:"UPLOAD_MAX_OBJECT_SIZE"`
	AllowedContentTypes []string `yaml:"allowed_content_types" env:"UPLOAD_ALLOWED_CONTENT_TYPES"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout or otlp
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		StorePath:  "docvault.db",
		Blob: BlobConfig{
			Backend: "s3",
			Region:  "us-east-1",
		},
		Encryption: EncryptionConfig{
			PreferredAlgorithm:  "AES256-GCM",
			SupportedAlgorithms: []string{"AES256-GCM", "ChaCha20-Poly1305"},
		},
		KMS: KMSConfig{
			Mode:        "remote",
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
		},
		Audit: AuditConfig{
			RetentionFloorDays: 365,
			RetentionDays:      730,
			CleanupBatchSize:   500,
			DataClassification: "confidential",
			MirrorToLog:        true,
		},
		Tokens: TokenConfig{
			Issuer: "docvault",
		},
		Upload: UploadConfig{
			MaxObjectSize: 25 << 20,
			AllowedContentTypes: []string{
				"application/pdf",
				"image/png",
				"image/jpeg",
				"text/plain",
			},
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "docvault",
			ServiceVersion: "dev",
			Exporter:       "stdout",
			SamplingRatio:  1.0,
		},
	}

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		config.StorePath = v
	}
	if v := os.Getenv("BLOB_BACKEND"); v != "" {
		config.Blob.Backend = v
	}
	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		config.Blob.Bucket = v
	}
	if v := os.Getenv("BLOB_REGION"); v != "" {
		config.Blob.Region = v
	}
	if v := os.Getenv("BLOB_ENDPOINT"); v != "" {
		config.Blob.Endpoint = v
	}
	if v := os.Getenv("BLOB_ACCESS_KEY"); v != "" {
		config.Blob.AccessKey = v
	}
	if v := os.Getenv("BLOB_SECRET_KEY"); v != "" {
		config.Blob.SecretKey = v
	}
	if v := os.Getenv("BLOB_USE_PATH_STYLE"); v != "" {
		config.Blob.UsePathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("ENCRYPTION_PREFERRED_ALGORITHM"); v != "" {
		config.Encryption.PreferredAlgorithm = v
	}
	if v := os.Getenv("ENCRYPTION_SUPPORTED_ALGORITHMS"); v != "" {
		// Comma-separated list of algorithms
		config.Encryption.SupportedAlgorithms = strings.Split(v, ",")
		for i := range config.Encryption.SupportedAlgorithms {
			config.Encryption.SupportedAlgorithms[i] = strings.TrimSpace(config.Encryption.SupportedAlgorithms[i])
		}
	}
	if v := os.Getenv("KMS_MODE"); v != "" {
		config.KMS.Mode = v
	}
	if v := os.Getenv("KMS_KEY_ID"); v != "" {
		config.KMS.KeyID = v
	}
	if v := os.Getenv("KMS_ENDPOINT"); v != "" {
		config.KMS.Endpoint = v
	}
	if v := os.Getenv("KMS_API_TOKEN"); v != "" {
		config.KMS.APIToken = v
	}
	if v := os.Getenv("KMS_KEY_FILE"); v != "" {
		config.KMS.KeyFile = v
	}
	if v := os.Getenv("KMS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.KMS.Timeout = d
		}
	}
	if v := os.Getenv("KMS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.KMS.MaxAttempts = n
		}
	}
	if v := os.Getenv("AUDIT_RETENTION_FLOOR_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.RetentionFloorDays = n
		}
	}
	if v := os.Getenv("AUDIT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.RetentionDays = n
		}
	}
	if v := os.Getenv("AUDIT_CLEANUP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.CleanupBatchSize = n
		}
	}
	if v := os.Getenv("AUDIT_DATA_CLASSIFICATION"); v != "" {
		config.Audit.DataClassification = v
	}
	if v := os.Getenv("AUDIT_MIRROR_TO_LOG"); v != "" {
		config.Audit.MirrorToLog = v == "true" || v == "1"
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		config.Tokens.Secret = v
	}
	if v := os.Getenv("TOKEN_SECRET_FILE"); v != "" {
		config.Tokens.SecretFile = v
	}
	if v := os.Getenv("TOKEN_ISSUER"); v != "" {
		config.Tokens.Issuer = v
	}
	if v := os.Getenv("UPLOAD_MAX_OBJECT_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Upload.MaxObjectSize = n
		}
	}
	if v := os.Getenv("UPLOAD_ALLOWED_CONTENT_TYPES"); v != "" {
		config.Upload.AllowedContentTypes = strings.Split(v, ",")
		for i := range config.Upload.AllowedContentTypes {
			config.Upload.AllowedContentTypes[i] = strings.TrimSpace(config.Upload.AllowedContentTypes[i])
		}
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	// Server timeouts from environment
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Server.MaxHeaderBytes = n
		}
	}
	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Blob.Backend {
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the s3 backend")
		}
	case "memory":
		// No further settings; development only.
	default:
		return fmt.Errorf("invalid blob.backend: %s (must be s3 or memory)", c.Blob.Backend)
	}

	switch c.KMS.Mode {
	case "remote":
		if c.KMS.Endpoint == "" {
			return fmt.Errorf("kms.endpoint is required in remote mode")
		}
		if c.KMS.KeyID == "" {
			return fmt.Errorf("kms.key_id is required in remote mode")
		}
	case "local":
		if c.KMS.KeyFile == "" {
			return fmt.Errorf("kms.key_file is required in local mode")
		}
	default:
		return fmt.Errorf("invalid kms.mode: %s (must be remote or local)", c.KMS.Mode)
	}

	if c.Tokens.Secret == "" && c.Tokens.SecretFile == "" {
		return fmt.Errorf("either tokens.secret or tokens.secret_file is required")
	}

	if c.Audit.RetentionDays < c.Audit.RetentionFloorDays {
		return fmt.Errorf("audit.retention_days (%d) must not be below audit.retention_floor_days (%d)",
			c.Audit.RetentionDays, c.Audit.RetentionFloorDays)
	}

	// Validate encryption algorithms policy
	allowed := map[string]bool{
		"AES256-GCM":        true,
		"ChaCha20-Poly1305": true,
	}
	if alg := strings.TrimSpace(c.Encryption.PreferredAlgorithm); alg != "" {
		if !allowed[alg] {
			return fmt.Errorf("invalid encryption.preferred_algorithm: %s", alg)
		}
	}
	for _, alg := range c.Encryption.SupportedAlgorithms {
		if !allowed[strings.TrimSpace(alg)] {
			return fmt.Errorf("invalid entry in encryption.supported_algorithms: %s", alg)
		}
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	// Validate tracing configuration
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// TokenSecret resolves the signing secret, reading the secret file when
// configured.
func (c *Config) TokenSecret() ([]byte, error) {
	if c.Tokens.Secret != "" {
		return []byte(c.Tokens.Secret), nil
	}
	data, err := os.ReadFile(c.Tokens.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token secret file: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}
