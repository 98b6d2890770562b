package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"safegate/internal/config"
	"safegate/internal/logging"
	"safegate/internal/services"
)

// ClamScanner shells out to clamscan for each file. Exit code 0 means
// clean, 1 means threats were found (one "path: Name FOUND" line each),
// anything else means the engine itself failed.
type ClamScanner struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClamScanner builds the scanner from configuration.
func NewClamScanner(logger *slog.Logger, cfg config.Scanner) *ClamScanner {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "clamscan"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ClamScanner{
		binary:  binary,
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, "scanner"),
	}
}

// Scan checks a single file. A scanner failure is never reported as clean.
func (s *ClamScanner) Scan(ctx context.Context, path string) (ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.binary, "--no-summary", "--infected", path)
	output, err := cmd.Output()
	if err == nil {
		return ScanResult{Clean: true}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ScanResult{}, services.Wrap(services.ErrScan, "scanning", "clamscan", "timed out", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		threats := parseClamOutput(string(output))
		if len(threats) == 0 {
			// Exit 1 with no parseable findings still means not clean.
			threats = []string{"unidentified threat"}
		}
		s.logger.Warn("clamscan reported threats",
			logging.String("path", path),
			logging.Int("threats", len(threats)),
		)
		return ScanResult{Clean: false, Threats: threats}, nil
	}

	return ScanResult{}, services.Wrap(services.ErrScan, "scanning", "clamscan", "engine failure", err)
}

// parseClamOutput extracts threat names from clamscan's per-file output,
// lines shaped like "/mnt/usb/file.exe: Win.Test.EICAR FOUND".
func parseClamOutput(output string) []string {
	var threats []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		line = strings.TrimSuffix(line, " FOUND")
		if idx := strings.LastIndex(line, ": "); idx >= 0 {
			line = line[idx+2:]
		}
		if line != "" {
			threats = append(threats, line)
		}
	}
	return threats
}
