package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// mountsFile is a var so tests can point at a fixture.
var mountsFile = "/proc/self/mounts"

// lookupMountPoint returns the mount point for a device node, or "" when
// the device is not mounted.
func lookupMountPoint(devNode string) (string, error) {
	file, err := os.Open(mountsFile)
	if err != nil {
		return "", fmt.Errorf("open mounts table: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[0] == devNode {
			return unescapeMountPath(fields[1]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read mounts table: %w", err)
	}
	return "", nil
}

// unescapeMountPath decodes the octal escapes the kernel uses for spaces
// and other special characters in mount paths.
func unescapeMountPath(path string) string {
	if !strings.Contains(path, "\\") {
		return path
	}
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' && i+3 < len(path) {
			var value int
			if _, err := fmt.Sscanf(path[i+1:i+4], "%o", &value); err == nil {
				b.WriteByte(byte(value))
				i += 3
				continue
			}
		}
		b.WriteByte(path[i])
	}
	return b.String()
}

// waitForMount polls the mounts table until the device shows up or the
// deadline passes. Automounters need a moment after the kernel event.
func waitForMount(devNode string, settle, deadline time.Duration) (string, error) {
	if settle > 0 {
		time.Sleep(settle)
	}
	start := time.Now()
	for {
		mountPath, err := lookupMountPoint(devNode)
		if err != nil {
			return "", err
		}
		if mountPath != "" {
			return mountPath, nil
		}
		if time.Since(start) >= deadline {
			return "", nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// verifyReadable confirms the mount point is backed by a live filesystem
// and can actually be listed.
func verifyReadable(mountPath string) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(mountPath, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", mountPath, err)
	}
	dir, err := os.Open(mountPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", mountPath, err)
	}
	defer dir.Close()
	// An empty directory returns io.EOF, which is fine.
	if _, err := dir.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("list %s: %w", mountPath, err)
	}
	return nil
}
