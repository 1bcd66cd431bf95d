package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	UserName string `mapstructure:"user_name"`
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	LogFile  string `mapstructure:"log_file"`

	// Mode selects the transfer method: http, zerotier or s3.
	Mode       string `mapstructure:"mode"`
	TargetHost string `mapstructure:"target_host"`
	TargetPort int    `mapstructure:"target_port"`

	ReceivedDir  string `mapstructure:"received_dir"`
	TmpDir       string `mapstructure:"tmp_dir"`
	MetadataPath string `mapstructure:"metadata_path"`

	ChunkSize   string `mapstructure:"chunk_size"`
	MaxFileSize string `mapstructure:"max_file_size"`

	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RetryDoubling  bool          `mapstructure:"retry_doubling"`
	VerifyAttempts int           `mapstructure:"verify_attempts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`

	Compress           bool          `mapstructure:"compress"`
	DecompressReceived bool          `mapstructure:"decompress_received"`
	KDF                string        `mapstructure:"kdf"`
	KDFSalt            string        `mapstructure:"kdf_salt"`
	AESPassword        string        `mapstructure:"aes_password"`
	DuplicateWindow    time.Duration `mapstructure:"duplicate_window"`

	S3       S3Config       `mapstructure:"s3"`
	ZeroTier ZeroTierConfig `mapstructure:"zerotier"`
}

// S3Config configures the object storage transfer method.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PartSize  string `mapstructure:"part_size"`
}

type ZeroTierConfig struct {
	NetworkID string `mapstructure:"network_id"`
}

var Config *AppConfig

var (
	userNamePattern  = regexp.MustCompile(`^[A-Za-z0-9 _.-]{1,50}$`)
	bucketPattern    = regexp.MustCompile(`^[a-z0-9.-]{3,63}$`)
	regionPattern    = regexp.MustCompile(`^[a-z]{2}-[a-z]+-\d$`)
	hostnamePattern  = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
	networkIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_name", "disktrosync")
	v.SetDefault("port", 8080)
	v.SetDefault("debug", false)
	v.SetDefault("log_file", "")
	v.SetDefault("mode", "http")
	v.SetDefault("target_host", "localhost")
	v.SetDefault("target_port", 8080)
	v.SetDefault("received_dir", "./received")
	v.SetDefault("tmp_dir", "./tmp/uploads")
	v.SetDefault("metadata_path", "./data/metadata")
	v.SetDefault("chunk_size", "256KiB")
	v.SetDefault("max_file_size", "5GiB")
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_delay", 2*time.Second)
	v.SetDefault("retry_doubling", false)
	v.SetDefault("verify_attempts", 3)
	v.SetDefault("connect_timeout", 5*time.Second)
	v.SetDefault("read_timeout", 15*time.Second)
	v.SetDefault("compress", false)
	v.SetDefault("decompress_received", false)
	v.SetDefault("kdf", "cyclic")
	v.SetDefault("kdf_salt", "")
	v.SetDefault("aes_password", "")
	v.SetDefault("duplicate_window", 30*24*time.Hour)
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.part_size", "8MiB")
	v.SetDefault("zerotier.network_id", "")
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	var cfg AppConfig
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig reads config.yaml from path, overlays environment variables
// (AES_PASSWORD, RECEIVED_DIR, ...) and stores the result in Config.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		logging.Log.Warnf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	logging.Log.Debug("✅ Configuration loaded successfully.")
	return &appConfig, nil
}

// Validate checks the values a transfer cannot start without.
func (c *AppConfig) Validate() error {
	var errs []error

	if !userNamePattern.MatchString(c.UserName) {
		errs = append(errs, fmt.Errorf("user_name %q must be 1-50 letters, digits, spaces, dots, dashes or underscores", c.UserName))
	}
	if err := ValidatePort(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port: %w", err))
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.MaxFileSizeBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("retry_attempts must be at least 1"))
	}
	if c.VerifyAttempts < 1 {
		errs = append(errs, errors.New("verify_attempts must be at least 1"))
	}

	switch strings.ToLower(c.Mode) {
	case "http", "zerotier":
		if err := ValidateHost(c.TargetHost); err != nil {
			errs = append(errs, fmt.Errorf("target_host: %w", err))
		}
		if err := ValidatePort(c.TargetPort); err != nil {
			errs = append(errs, fmt.Errorf("target_port: %w", err))
		}
		if strings.EqualFold(c.Mode, "zerotier") && !networkIDPattern.MatchString(c.ZeroTier.NetworkID) {
			errs = append(errs, fmt.Errorf("zerotier.network_id %q must be 16 hex characters", c.ZeroTier.NetworkID))
		}
	case "s3":
		if !bucketPattern.MatchString(c.S3.Bucket) {
			errs = append(errs, fmt.Errorf("s3.bucket %q is not a valid bucket name", c.S3.Bucket))
		}
		if !regionPattern.MatchString(c.S3.Region) {
			errs = append(errs, fmt.Errorf("s3.region %q is not a valid region", c.S3.Region))
		}
	default:
		errs = append(errs, fmt.Errorf("mode %q must be one of http, zerotier, s3", c.Mode))
	}

	switch strings.ToLower(c.KDF) {
	case "cyclic", "":
	case "scrypt":
		if c.KDFSalt == "" {
			errs = append(errs, errors.New("kdf_salt is required when kdf is scrypt"))
		}
	default:
		errs = append(errs, fmt.Errorf("kdf %q must be cyclic or scrypt", c.KDF))
	}

	return errors.Join(errs...)
}

// ChunkSizeBytes parses chunk_size ("256KiB", "1MB", "262144").
func (c *AppConfig) ChunkSizeBytes() (int, error) {
	n, err := ParseSize(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("chunk_size: %w", err)
	}
	if n <= 0 || n > 64*int64(units.MiB) {
		return 0, fmt.Errorf("chunk_size %q must be between 1 byte and 64MiB", c.ChunkSize)
	}
	return int(n), nil
}

func (c *AppConfig) MaxFileSizeBytes() (int64, error) {
	n, err := ParseSize(c.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("max_file_size: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("max_file_size %q must be positive", c.MaxFileSize)
	}
	return n, nil
}

// ParseSize accepts a bare byte count or a base-2 size with a unit suffix.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	b, err := units.ParseBase2Bytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(b), nil
}

// TargetAddress returns the host:port of the configured counterparty.
func (c *AppConfig) TargetAddress() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// ValidateHost accepts IPv4, IPv6 and RFC 1123 host names.
func ValidateHost(host string) error {
	if host == "" {
		return errors.New("host is required")
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return nil
	}
	if len(host) > 253 || !hostnamePattern.MatchString(host) {
		return fmt.Errorf("%q is not a valid host", host)
	}
	return nil
}

func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%d is outside 1-65535", port)
	}
	return nil
}
