package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	StatusFile string `toml:"status_file"`
}

// Monitor contains device detection configuration.
type Monitor struct {
	Strategy        string `toml:"strategy"`
	PollInterval    int    `toml:"poll_interval_seconds"`
	SettleSeconds   int    `toml:"settle_seconds"`
	FallbackPolling bool   `toml:"fallback_polling"`
}

// Scanner contains malware scanning configuration.
type Scanner struct {
	Binary          string   `toml:"binary"`
	MaxFileSizeMB   int      `toml:"max_file_size_mb"`
	ExcludePatterns []string `toml:"exclude_patterns"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
}

// Archive contains packing configuration.
type Archive struct {
	MaxSizeMB int `toml:"max_size_mb"`
}

// Remote contains the WebDAV storage endpoint configuration.
type Remote struct {
	URL            string `toml:"url"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	UploadPath     string `toml:"upload_path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Email contains SMTP delivery configuration.
type Email struct {
	SMTPServer     string `toml:"smtp_server"`
	SMTPPort       int    `toml:"smtp_port"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	SenderName     string `toml:"sender_name"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Cleanup contains retention and deletion-retry configuration.
type Cleanup struct {
	RetentionDays      int `toml:"retention_days"`
	CheckIntervalHours int `toml:"check_interval_hours"`
	OrphanGraceMinutes int `toml:"orphan_grace_minutes"`
	MaxDeleteAttempts  int `toml:"max_delete_attempts"`
}

// Workflow contains queue sizing, retry, and shutdown configuration.
type Workflow struct {
	QueueCapacity            int `toml:"queue_capacity"`
	StageRetryAttempts       int `toml:"stage_retry_attempts"`
	StageRetryBackoffSeconds int `toml:"stage_retry_backoff_seconds"`
	ShutdownGraceSeconds     int `toml:"shutdown_grace_seconds"`
	RestartBackoffSeconds    int `toml:"restart_backoff_seconds"`
}

// Logging contains log output configuration.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for safegate.
//
// Sections by subsystem:
//   - Paths: staging, data, log directories and the status file
//   - Monitor: device detection strategy and timing
//   - Scanner: clamscan invocation limits and exclusions
//   - Archive: zip packing limits
//   - Remote: WebDAV upload endpoint
//   - Email: SMTP share-link delivery
//   - Cleanup: retention window and deletion retries
//   - Workflow: queue capacity, stage retries, shutdown grace
//   - Logging: format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Monitor  Monitor  `toml:"monitor"`
	Scanner  Scanner  `toml:"scanner"`
	Archive  Archive  `toml:"archive"`
	Remote   Remote   `toml:"remote"`
	Email    Email    `toml:"email"`
	Cleanup  Cleanup  `toml:"cleanup"`
	Workflow Workflow `toml:"workflow"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/safegate/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The second return is
// the resolved path; the third reports whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	systemPath := "/etc/safegate/config.toml"
	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(systemPath); err == nil && !info.IsDir() {
		return systemPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	for _, field := range []*string{
		&c.Paths.StagingDir,
		&c.Paths.DataDir,
		&c.Paths.LogDir,
		&c.Paths.StatusFile,
	} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	c.Monitor.Strategy = strings.ToLower(strings.TrimSpace(c.Monitor.Strategy))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Remote.URL = strings.TrimRight(strings.TrimSpace(c.Remote.URL), "/")
	c.Remote.UploadPath = strings.Trim(strings.TrimSpace(c.Remote.UploadPath), "/")
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StagingDir, c.Paths.DataDir, c.Paths.LogDir}
	if c.Paths.StatusFile != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.StatusFile))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the path to the cleanup ledger database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.DataDir, "cleanup.db")
}

// SocketPath returns the control socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "safegate.sock")
}

// LockPath returns the single-instance lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "safegate.lock")
}

// Retention returns the normal retention window for uploaded artifacts.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Cleanup.RetentionDays) * 24 * time.Hour
}

// OrphanGrace returns the shortened retention applied to artifacts whose
// job failed after upload.
func (c *Config) OrphanGrace() time.Duration {
	return time.Duration(c.Cleanup.OrphanGraceMinutes) * time.Minute
}

// CheckInterval returns the cleanup ticker interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Cleanup.CheckIntervalHours) * time.Hour
}

// StageRetryBackoff returns the initial backoff for stage retries.
func (c *Config) StageRetryBackoff() time.Duration {
	return time.Duration(c.Workflow.StageRetryBackoffSeconds) * time.Second
}

// ShutdownGrace returns the period in-flight work may use to finish during
// shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Workflow.ShutdownGraceSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
