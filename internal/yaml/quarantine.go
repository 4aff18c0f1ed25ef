package yaml

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrCorrupt means a file and its backup are both unreadable.
var ErrCorrupt = errors.New("corrupt state file")

// Quarantine moves a corrupt file into <stateDir>/quarantine.
func Quarantine(stateDir, filePath string, logger *slog.Logger) (string, error) {
	quarantineDir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().UTC().Format("20060102T150405.000000000"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	if logger != nil {
		logger.Warn("quarantined corrupt file", "file", filePath, "quarantine", dst)
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with its .bak copy if that copy is a
// valid document of fileType.
func RestoreFromBackup(filePath, fileType string) error {
	bakPath := filePath + backupSuffix
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// LoadDocument reads an entity file of fileType into out. A file that fails
// to parse or validate is quarantined and replaced by its backup when one is
// usable; otherwise ErrCorrupt is returned.
func LoadDocument(stateDir, path, fileType string, out any, logger *slog.Logger) error {
	err := decodeDocument(path, fileType, out)
	if err == nil || os.IsNotExist(err) {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("state file unreadable, attempting recovery", "file", path, "error", err)

	if _, qerr := Quarantine(stateDir, path, logger); qerr != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, qerr)
	}
	if rerr := RestoreFromBackup(path, fileType); rerr != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, rerr)
	}
	logger.Info("restored state file from backup", "file", path)
	return decodeDocument(path, fileType, out)
}

func decodeDocument(path, fileType string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return err
	}
	return yamlv3.Unmarshal(content, out)
}
