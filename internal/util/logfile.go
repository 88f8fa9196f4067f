package util

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// OpenLogFile opens path for appending. When the existing file is larger than
// maxSize it is first renamed to <path>.<unix>.bak, and the oldest backups are
// pruned so that at most maxRotations remain afterwards.
func OpenLogFile(path string, maxSize int64, maxRotations int) (*os.File, bool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create log dir: %w", err)
	}
	rotated := false
	if info, err := os.Stat(path); err == nil && info.Size() > maxSize {
		if err := pruneBackups(path, maxRotations-1); err != nil {
			return nil, false, err
		}
		backup := fmt.Sprintf("%s.%d.bak", path, time.Now().Unix())
		if err := os.Rename(path, backup); err != nil {
			return nil, false, fmt.Errorf("rotate log file: %w", err)
		}
		rotated = true
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, rotated, fmt.Errorf("open log file: %w", err)
	}
	return f, rotated, nil
}

func pruneBackups(path string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list log dir: %w", err)
	}
	type backup struct {
		name    string
		modTime time.Time
	}
	var backups []backup
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, base+".") || !strings.HasSuffix(name, ".bak") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{name: name, modTime: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].name < backups[j].name
		}
		return backups[i].modTime.Before(backups[j].modTime)
	})
	for len(backups) > keep {
		if err := os.Remove(filepath.Join(dir, backups[0].name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old log backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
