package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is loaded from a JSON file, and then overridden by environment variables.
// A .env file in the working directory is loaded into the environment first.
type Config struct {
	Listen             string        `json:"listen" envconfig:"LISTEN" validate:"required"`                      // eg ":5000"
	Port               string        `json:"-" envconfig:"PORT" validate:"omitempty,numeric"`                    // If set, overrides the port of Listen
	PublicBaseURL      string        `json:"publicBaseURL" envconfig:"PUBLIC_BASE_URL" validate:"omitempty,url"` // eg "https://leafscan.example.com". If empty, we use the Host header of each request.
	JWTSecret          string        `json:"jwtSecret" envconfig:"JWT_SECRET" validate:"required"`               // HMAC secret of bearer tokens
	DB                 dbh.DBConfig  `json:"db" ignored:"true"`                                                  // Analysis history and disease knowledge base
	DatabasePath       string        `json:"-" envconfig:"DATABASE_PATH"`                                        // If set, overrides DB with a sqlite database at this path
	TempPath           string        `json:"tempPath" envconfig:"TEMP_PATH" validate:"required"`                 // Incoming uploads are written here for the duration of a request
	ImageStorage       StorageConfig `json:"imageStorage" ignored:"true"`                                        // Where we keep processed images
	Model              ModelConfig   `json:"model" envconfig:"MODEL"`                                            // The classifier
	AnalysisTimeoutSec int           `json:"analysisTimeoutSeconds" envconfig:"ANALYSIS_TIMEOUT_SECONDS" validate:"gte=0"`
	MaxUploadMB        int           `json:"maxUploadMB" envconfig:"MAX_UPLOAD_MB" validate:"gte=1"`
	RateLimitPerMinute int           `json:"rateLimitPerMinute" envconfig:"RATE_LIMIT_PER_MINUTE" validate:"gte=0"` // Per client IP, on /analyze. Zero disables the limit.
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem. This is served under /uploads/.
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
	Public bool   `json:"public"` // Whether the bucket is public. This allows us to give clients direct URLs into GCS, instead of passing the data through our service
}

type ModelConfig struct {
	// No envconfig tags here. envconfig also looks a tag up without the MODEL_ prefix,
	// and PATH belongs to the shell.
	Path              string `json:"path" validate:"required"`             // .onnx file. Env MODEL_PATH.
	MetadataPath      string `json:"metadataPath" split_words:"true"`      // .json file. Defaults to Path with a .json extension. Env MODEL_METADATA_PATH.
	ClassFile         string `json:"classFile" split_words:"true"`         // Optional text file with one class name per line. Env MODEL_CLASS_FILE.
	SharedLibraryPath string `json:"sharedLibraryPath" split_words:"true"` // onnxruntime shared library. Empty uses the system default. Env MODEL_SHARED_LIBRARY_PATH.
}

// DefaultImageRoot is used when no image storage is configured
const DefaultImageRoot = "uploads"

func Default() *Config {
	return &Config{
		Listen:             ":5000",
		DB:                 dbh.MakeSqliteConfig("leafscan.sqlite"),
		TempPath:           "tmp",
		AnalysisTimeoutSec: 10,
		MaxUploadMB:        10,
		RateLimitPerMinute: 30,
		Model: ModelConfig{
			Path: "model/leaf.onnx",
		},
	}
}

var validate = validator.New()

// Load the config file (if it exists), then apply .env and environment variable overrides.
// An empty filename means "leafscan.json", which is allowed to be missing.
func Load(filename string) (*Config, error) {
	cfg := Default()
	mustExist := filename != ""
	if filename == "" {
		filename = "leafscan.json"
	}
	raw, err := os.ReadFile(filename)
	if err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
		}
	} else if mustExist || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}

	// It's fine for .env to be missing
	_ = godotenv.Load()

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("Error reading environment: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	if c.ImageStorage.Filesystem == nil && c.ImageStorage.GCS == nil {
		c.ImageStorage.Filesystem = &StorageConfigFS{Root: DefaultImageRoot}
	}
	if c.Port != "" {
		host := c.Listen
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		c.Listen = host + ":" + c.Port
	}
	if c.DatabasePath != "" {
		c.DB = dbh.MakeSqliteConfig(c.DatabasePath)
	}
	if c.Model.MetadataPath == "" {
		c.Model.MetadataPath = strings.TrimSuffix(c.Model.Path, ".onnx") + ".json"
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("Invalid config: %w", err)
	}
	if (c.ImageStorage.Filesystem == nil) == (c.ImageStorage.GCS == nil) {
		return errors.New("Invalid config: exactly one of imageStorage.filesystem or imageStorage.gcs must be set")
	}
	if c.ImageStorage.GCS != nil && c.ImageStorage.GCS.Bucket == "" {
		return errors.New("Invalid config: imageStorage.gcs.bucket is empty")
	}
	if c.DB.Driver != dbh.DriverSqlite && c.DB.Driver != dbh.DriverPostgres {
		return fmt.Errorf("Invalid config: unsupported DB driver '%v'", c.DB.Driver)
	}
	return nil
}

func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutSec) * time.Second
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}
