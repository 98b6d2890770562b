package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	var problems []string

	switch c.Monitor.Strategy {
	case "udev", "polling":
	default:
		problems = append(problems, fmt.Sprintf("monitor.strategy must be \"udev\" or \"polling\", got %q", c.Monitor.Strategy))
	}
	if c.Monitor.PollInterval <= 0 {
		problems = append(problems, "monitor.poll_interval_seconds must be positive")
	}

	if strings.TrimSpace(c.Scanner.Binary) == "" {
		problems = append(problems, "scanner.binary is required")
	}
	if c.Scanner.MaxFileSizeMB <= 0 {
		problems = append(problems, "scanner.max_file_size_mb must be positive")
	}

	if c.Archive.MaxSizeMB <= 0 {
		problems = append(problems, "archive.max_size_mb must be positive")
	}

	if c.Cleanup.RetentionDays <= 0 {
		problems = append(problems, "cleanup.retention_days must be positive")
	}
	if c.Cleanup.CheckIntervalHours <= 0 {
		problems = append(problems, "cleanup.check_interval_hours must be positive")
	}
	if c.Cleanup.OrphanGraceMinutes <= 0 {
		problems = append(problems, "cleanup.orphan_grace_minutes must be positive")
	}
	if c.Cleanup.MaxDeleteAttempts <= 0 {
		problems = append(problems, "cleanup.max_delete_attempts must be positive")
	}

	if c.Workflow.QueueCapacity <= 0 {
		problems = append(problems, "workflow.queue_capacity must be positive")
	}
	if c.Workflow.StageRetryAttempts < 0 {
		problems = append(problems, "workflow.stage_retry_attempts must not be negative")
	}

	if c.Remote.URL != "" && !strings.Contains(c.Remote.URL, "://") {
		problems = append(problems, fmt.Sprintf("remote.url %q is missing a scheme", c.Remote.URL))
	}
	if c.Email.SMTPServer != "" && (c.Email.SMTPPort <= 0 || c.Email.SMTPPort > 65535) {
		problems = append(problems, fmt.Sprintf("email.smtp_port %d is out of range", c.Email.SMTPPort))
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
