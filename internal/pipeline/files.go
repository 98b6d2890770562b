package pipeline

import (
	"fmt"
	"io/fs"
	"path/filepath"
)

// eligibleFiles walks the mount and returns the regular files a job should
// scan, excluding configured patterns and oversize files. Excluded and
// oversize paths come back in skipped for debug logging. Entries that
// cannot be statted are skipped rather than failing the whole device.
func eligibleFiles(root string, excludePatterns []string, maxBytes int64) (files []string, skipped []string, err error) {
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return fmt.Errorf("walk mount %s: %w", root, walkErr)
			}
			skipped = append(skipped, path)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		name := entry.Name()
		if matchesAny(name, excludePatterns) {
			if entry.IsDir() {
				skipped = append(skipped, path)
				return filepath.SkipDir
			}
			skipped = append(skipped, path)
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if !entry.Type().IsRegular() {
			skipped = append(skipped, path)
			return nil
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			skipped = append(skipped, path)
			return nil
		}
		if maxBytes > 0 && info.Size() > maxBytes {
			skipped = append(skipped, path)
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return files, skipped, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, err := filepath.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}
