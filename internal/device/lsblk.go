package device

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// partition describes one removable partition from an lsblk snapshot.
type partition struct {
	Name       string
	Label      string
	MountPoint string
	Transport  string
	Type       string
}

// listRemovable runs lsblk and returns mounted USB partitions.
var listRemovable = func(ctx context.Context, timeout time.Duration) ([]partition, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	output, err := exec.CommandContext(ctx, "lsblk", "-P", "-o", "NAME,LABEL,MOUNTPOINT,TRAN,TYPE").Output()
	if err != nil {
		return nil, fmt.Errorf("run lsblk: %w", err)
	}
	return parseLSBLKPartitions(string(output)), nil
}

// parseLSBLKPartitions parses `lsblk -P` output into mounted USB
// partitions. Unmounted or non-USB rows are skipped.
func parseLSBLKPartitions(output string) []partition {
	var parts []partition
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data := parseLSBLKKeyValueLine(line)
		p := partition{
			Name:       data["NAME"],
			Label:      data["LABEL"],
			MountPoint: data["MOUNTPOINT"],
			Transport:  data["TRAN"],
			Type:       data["TYPE"],
		}
		if p.Type != "part" || p.Transport != "usb" {
			continue
		}
		if p.Name == "" || p.MountPoint == "" {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

func parseLSBLKKeyValueLine(line string) map[string]string {
	result := make(map[string]string)
	fields := splitLSBLKFields(line)
	for _, field := range fields {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"")
		result[key] = value
	}
	return result
}

// splitLSBLKFields splits a KEY="value" line on spaces outside quotes so
// labels containing spaces survive.
func splitLSBLKFields(line string) []string {
	var fields []string
	var current strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ' ' && !inQuotes:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}
