package validate

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/lockguard/internal/config"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("configuration validation failed")

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators and reports every
// problem at once.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateCameraConfig(v, &cfg.Camera)
	validateMotionConfig(v, &cfg.Motion)
	validateSessionConfig(v, &cfg.Session)
	validateFaceConfig(v, &cfg.Face)
	validateLockConfig(v, &cfg.Lock)
	validateEmailConfig(v, cfg)
	validateLoggingConfig(v, &cfg.Logging)

	if v.HasErrors() {
		return fmt.Errorf("%w:\n%s", ErrInvalidConfig, strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// ValidateEmailConfig checks only the email section. The Gmail
// authorization flow uses it before any camera setting matters.
func ValidateEmailConfig(cfg *config.Config) error {
	v := &Validator{}
	validateEmailConfig(v, cfg)
	if v.HasErrors() {
		return fmt.Errorf("%w:\n%s", ErrInvalidConfig, strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateCameraConfig(v *Validator, cfg *config.CameraConfig) {
	switch cfg.Backend {
	case "gocv", "mediadevices":
	default:
		v.AddError("invalid camera backend: %q (must be 'gocv' or 'mediadevices')", cfg.Backend)
	}
	if cfg.Device < 0 {
		v.AddError("camera device index must be >= 0")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		v.AddError("invalid camera dimensions: width=%d height=%d", cfg.Width, cfg.Height)
	} else if cfg.Width > 4096 || cfg.Height > 4096 {
		v.AddError("camera dimensions too large: %dx%d (max 4096x4096)", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 || cfg.FPS > 120 {
		v.AddError("invalid camera fps: %g (1-120)", cfg.FPS)
	}
}

func validateMotionConfig(v *Validator, cfg *config.MotionConfig) {
	if cfg.Threshold <= 0 || cfg.Threshold > 255 {
		v.AddError("motion threshold must be 1..255")
	}
	if cfg.MinMotionPixels <= 0 {
		v.AddError("min motion pixels must be positive")
	}
	if cfg.BlurSize%2 == 0 || cfg.BlurSize < 3 {
		v.AddError("blur size must be odd and >=3")
	}
}

func validateSessionConfig(v *Validator, cfg *config.SessionConfig) {
	if cfg.InactivityTimeout < time.Second {
		v.AddError("inactivity timeout must be >= 1s")
	}
	if cfg.ArmTimeout < 0 {
		v.AddError("arm timeout must not be negative")
	}
	if cfg.OpenRetries < 1 {
		v.AddError("open retries must be >= 1")
	}
	if cfg.ReadRetries < 1 {
		v.AddError("read retries must be >= 1")
	}
	if cfg.RetryInterval <= 0 {
		v.AddError("retry interval must be positive")
	}
	if !isValidFilePath(cfg.ClipPath) {
		v.AddError("invalid clip path: %q", cfg.ClipPath)
	}
	if !isValidFilePath(cfg.SnapshotPath) {
		v.AddError("invalid snapshot path: %q", cfg.SnapshotPath)
	}
	if len(cfg.Codec) != 4 {
		v.AddError("codec must be a four character code, got %q", cfg.Codec)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		v.AddError("jpeg quality must be 1..100")
	}
}

func validateFaceConfig(v *Validator, cfg *config.FaceConfig) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		v.AddError("face model path is required")
	}
	if cfg.ScaleFactor <= 1 {
		v.AddError("face scale factor must be > 1")
	}
	if cfg.MinNeighbors < 0 {
		v.AddError("face min neighbors must not be negative")
	}
	if cfg.MinSize < 0 {
		v.AddError("face min size must not be negative")
	}
}

func validateLockConfig(v *Validator, cfg *config.LockConfig) {
	switch cfg.Probe {
	case "auto", "locked", "unlocked":
	case "command":
		if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
			v.AddError("lock probe 'command' requires lock.command")
		}
		if cfg.Match == "" {
			v.AddError("lock probe 'command' requires lock.match")
		}
	default:
		v.AddError("invalid lock probe: %q (must be 'auto', 'command', 'locked' or 'unlocked')", cfg.Probe)
	}
	if cfg.PollInterval < 100*time.Millisecond {
		v.AddError("lock poll interval too short (min 100ms)")
	} else if cfg.PollInterval > 5*time.Minute {
		v.AddError("lock poll interval too long (max 5m)")
	}
	if cfg.ProbeTimeout <= 0 {
		v.AddError("lock probe timeout must be positive")
	}
	switch cfg.Rearm {
	case "after-unlock", "immediate":
	default:
		v.AddError("invalid re-arm policy: %q (must be 'after-unlock' or 'immediate')", cfg.Rearm)
	}
}

func validateEmailConfig(v *Validator, cfg *config.Config) {
	e := cfg.Email
	if e.Recipient == "" {
		v.AddError("recipient email is required (email.recipient or TO_EMAIL)")
	} else if !isValidEmail(e.Recipient) {
		v.AddError("invalid recipient email: %s", e.Recipient)
	}
	if e.From != "" && !isValidEmail(e.From) {
		v.AddError("invalid from email: %s", e.From)
	}
	if e.RetryAttempts < 1 {
		v.AddError("email retry attempts must be >= 1")
	}
	if e.RetryAttempts > 1 && e.RetryInterval <= 0 {
		v.AddError("email retry interval must be positive")
	}

	switch e.Method {
	case "smtp":
		validateSMTPConfig(v, &e.SMTP)
	case "gmail":
		validateGmailConfig(v, &e.Gmail)
	default:
		v.AddError("invalid email method: %q (must be 'smtp' or 'gmail')", e.Method)
	}
}

func validateSMTPConfig(v *Validator, cfg *config.SMTPConfig) {
	if strings.TrimSpace(cfg.Host) == "" {
		v.AddError("smtp host is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.AddError("invalid smtp port: %d", cfg.Port)
	}
	if cfg.Username == "" {
		v.AddError("smtp username is required (email.smtp.username or FROM_EMAIL)")
	}
	if cfg.Password == "" {
		v.AddError("smtp password is required (email.smtp.password or PASSWORD)")
	}
}

func validateGmailConfig(v *Validator, cfg *config.GmailConfig) {
	if cfg.ClientID == "" {
		v.AddError("Gmail OAuth2 client ID is required")
	}
	if cfg.ClientSecret == "" {
		v.AddError("Gmail OAuth2 client secret is required")
	}
	if cfg.RedirectURL != "" && !isValidURL(cfg.RedirectURL) {
		v.AddError("invalid Gmail redirect URL: %s", cfg.RedirectURL)
	}
	if !isValidFilePath(cfg.TokenPath) {
		v.AddError("invalid Gmail token path: %q", cfg.TokenPath)
	}
}

func validateLoggingConfig(v *Validator, cfg *config.LoggingConfig) {
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		v.AddError("invalid log level: %q", cfg.Level)
	}
	switch cfg.Format {
	case "console", "json":
	default:
		v.AddError("invalid log format: %q (must be 'console' or 'json')", cfg.Format)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func isValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Name == "" && addr.Address == email
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidFilePath(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "." && !strings.Contains(path, "\x00")
}
