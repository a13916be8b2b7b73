// Package config loads the daemon configuration once at startup. Values come
// from defaults, then a TOML or YAML file, then a dotenv file and the process
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/lockguard/internal/crypto"
)

// Config holds all application configuration
type Config struct {
	SystemName string        `toml:"system_name" yaml:"system_name"`
	Camera     CameraConfig  `toml:"camera" yaml:"camera"`
	Motion     MotionConfig  `toml:"motion" yaml:"motion"`
	Session    SessionConfig `toml:"session" yaml:"session"`
	Face       FaceConfig    `toml:"face" yaml:"face"`
	Lock       LockConfig    `toml:"lock" yaml:"lock"`
	Email      EmailConfig   `toml:"email" yaml:"email"`
	Logging    LoggingConfig `toml:"logging" yaml:"logging"`

	// MasterKey opens sealed secrets. Only ever read from the environment.
	MasterKey string `toml:"-" yaml:"-"`
}

type CameraConfig struct {
	// Backend is "gocv" or "mediadevices".
	Backend string  `toml:"backend" yaml:"backend"`
	Device  int     `toml:"device" yaml:"device"`
	Width   int     `toml:"width" yaml:"width"`
	Height  int     `toml:"height" yaml:"height"`
	FPS     float64 `toml:"fps" yaml:"fps"`
}

type MotionConfig struct {
	Threshold       float32 `toml:"threshold" yaml:"threshold"`
	MinMotionPixels int     `toml:"min_motion_pixels" yaml:"min_motion_pixels"`
	BlurSize        int     `toml:"blur_size" yaml:"blur_size"`
}

type SessionConfig struct {
	InactivityTimeout time.Duration `toml:"inactivity_timeout" yaml:"inactivity_timeout"`
	ArmTimeout        time.Duration `toml:"arm_timeout" yaml:"arm_timeout"`
	OpenRetries       int           `toml:"open_retries" yaml:"open_retries"`
	ReadRetries       int           `toml:"read_retries" yaml:"read_retries"`
	RetryInterval     time.Duration `toml:"retry_interval" yaml:"retry_interval"`
	ClipPath          string        `toml:"clip_path" yaml:"clip_path"`
	Codec             string        `toml:"codec" yaml:"codec"`
	SnapshotPath      string        `toml:"snapshot_path" yaml:"snapshot_path"`
	JPEGQuality       int           `toml:"jpeg_quality" yaml:"jpeg_quality"`
}

type FaceConfig struct {
	ModelPath    string  `toml:"model_path" yaml:"model_path"`
	ScaleFactor  float64 `toml:"scale_factor" yaml:"scale_factor"`
	MinNeighbors int     `toml:"min_neighbors" yaml:"min_neighbors"`
	MinSize      int     `toml:"min_size" yaml:"min_size"`
}

type LockConfig struct {
	// Probe is "auto", "command", "locked" or "unlocked".
	Probe        string        `toml:"probe" yaml:"probe"`
	Command      []string      `toml:"command" yaml:"command"`
	Match        string        `toml:"match" yaml:"match"`
	PollInterval time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	ProbeTimeout time.Duration `toml:"probe_timeout" yaml:"probe_timeout"`
	// Rearm is "after-unlock" or "immediate".
	Rearm string `toml:"rearm" yaml:"rearm"`
}

type EmailConfig struct {
	// Method is "smtp" or "gmail".
	Method        string        `toml:"method" yaml:"method"`
	Recipient     string        `toml:"recipient" yaml:"recipient"`
	From          string        `toml:"from" yaml:"from"`
	FromName      string        `toml:"from_name" yaml:"from_name"`
	RetryAttempts int           `toml:"retry_attempts" yaml:"retry_attempts"`
	RetryInterval time.Duration `toml:"retry_interval" yaml:"retry_interval"`
	SMTP          SMTPConfig    `toml:"smtp" yaml:"smtp"`
	Gmail         GmailConfig   `toml:"gmail" yaml:"gmail"`
}

type SMTPConfig struct {
	Host     string        `toml:"host" yaml:"host"`
	Port     int           `toml:"port" yaml:"port"`
	Username string        `toml:"username" yaml:"username"`
	Password string        `toml:"password" yaml:"password"`
	Timeout  time.Duration `toml:"timeout" yaml:"timeout"`
}

type GmailConfig struct {
	ClientID     string `toml:"client_id" yaml:"client_id"`
	ClientSecret string `toml:"client_secret" yaml:"client_secret"`
	RedirectURL  string `toml:"redirect_url" yaml:"redirect_url"`
	TokenPath    string `toml:"token_path" yaml:"token_path"`
}

type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
	// Format is "console" or "json".
	Format      string   `toml:"format" yaml:"format"`
	OutputPaths []string `toml:"output_paths" yaml:"output_paths"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "this computer"
	}
	return &Config{
		SystemName: host,
		Camera: CameraConfig{
			Backend: "gocv",
			Width:   640,
			Height:  480,
			FPS:     20,
		},
		Motion: MotionConfig{
			Threshold:       30,
			MinMotionPixels: 5000,
			BlurSize:        21,
		},
		Session: SessionConfig{
			InactivityTimeout: 5 * time.Second,
			ArmTimeout:        30 * time.Second,
			OpenRetries:       3,
			ReadRetries:       10,
			RetryInterval:     200 * time.Millisecond,
			ClipPath:          filepath.Join(dataDir(), "recording.avi"),
			Codec:             "MJPG",
			SnapshotPath:      filepath.Join(dataDir(), "face.jpg"),
			JPEGQuality:       90,
		},
		Face: FaceConfig{
			ModelPath:    "haarcascade_frontalface_default.xml",
			ScaleFactor:  1.1,
			MinNeighbors: 5,
		},
		Lock: LockConfig{
			Probe:        "auto",
			PollInterval: 2 * time.Second,
			ProbeTimeout: 3 * time.Second,
			Rearm:        "after-unlock",
		},
		Email: EmailConfig{
			Method:        "smtp",
			FromName:      "Lockguard",
			RetryAttempts: 3,
			RetryInterval: 5 * time.Second,
			SMTP: SMTPConfig{
				Host:    "smtp.gmail.com",
				Port:    587,
				Timeout: 30 * time.Second,
			},
			Gmail: GmailConfig{
				TokenPath: filepath.Join(dataDir(), "gmail_token.json"),
			},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
	}
}

func dataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "lockguard")
	}
	return "."
}

// Load builds the configuration. path may be empty for defaults only. envPath
// names a dotenv file; a missing file is only an error when envRequired is set.
func Load(path, envPath string, envRequired bool) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	env, err := readEnv(envPath, envRequired)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return fmt.Errorf("decode TOML: unknown keys %v", undec)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}
	return nil
}

// lookup prefers the process environment over the dotenv file.
type lookup func(key string) (string, bool)

func readEnv(path string, required bool) (lookup, error) {
	file := map[string]string{}
	if path != "" {
		m, err := godotenv.Read(path)
		switch {
		case err == nil:
			file = m
		case os.IsNotExist(err) && !required:
		default:
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok && v != ""
	}, nil
}

func (c *Config) applyEnv(env lookup) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := env(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
			return
		}
		*dst = n
	}

	// Names used by earlier deployments of the alert mailer.
	str("FROM_EMAIL", &c.Email.From)
	str("TO_EMAIL", &c.Email.Recipient)
	str("PASSWORD", &c.Email.SMTP.Password)

	str("LOCKGUARD_SYSTEM_NAME", &c.SystemName)
	str("LOCKGUARD_EMAIL_METHOD", &c.Email.Method)
	str("LOCKGUARD_RECIPIENT", &c.Email.Recipient)
	str("LOCKGUARD_SMTP_HOST", &c.Email.SMTP.Host)
	num("LOCKGUARD_SMTP_PORT", &c.Email.SMTP.Port)
	str("LOCKGUARD_SMTP_USERNAME", &c.Email.SMTP.Username)
	str("LOCKGUARD_SMTP_PASSWORD", &c.Email.SMTP.Password)
	str("LOCKGUARD_GMAIL_CLIENT_ID", &c.Email.Gmail.ClientID)
	str("LOCKGUARD_GMAIL_CLIENT_SECRET", &c.Email.Gmail.ClientSecret)
	str("LOCKGUARD_CAMERA_BACKEND", &c.Camera.Backend)
	num("LOCKGUARD_CAMERA_DEVICE", &c.Camera.Device)
	str("LOCKGUARD_LOG_LEVEL", &c.Logging.Level)
	str("LOCKGUARD_MASTER_KEY", &c.MasterKey)

	if c.Email.SMTP.Username == "" {
		c.Email.SMTP.Username = c.Email.From
	}
	return errors.Join(errs...)
}

// openSecrets decrypts sealed values in place.
func (c *Config) openSecrets() error {
	for name, v := range map[string]*string{
		"email.smtp.password":       &c.Email.SMTP.Password,
		"email.gmail.client_secret": &c.Email.Gmail.ClientSecret,
	} {
		if !crypto.IsSealed(*v) {
			continue
		}
		plain, err := crypto.OpenString(*v, c.MasterKey)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		*v = plain
	}
	return nil
}
