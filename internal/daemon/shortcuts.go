package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const shortcutsFile = "shortcuts.json"

func loadShortcuts(dataDir string) ([]Shortcut, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, shortcutsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []Shortcut{}, nil
		}
		return nil, fmt.Errorf("read shortcuts: %w", err)
	}
	var shortcuts []Shortcut
	if err := json.Unmarshal(data, &shortcuts); err != nil {
		return nil, fmt.Errorf("parse shortcuts: %w", err)
	}
	if shortcuts == nil {
		shortcuts = []Shortcut{}
	}
	return shortcuts, nil
}

// saveShortcuts persists the key-mapping list with the same temp-file-
// then-rename discipline the auth store uses.
func saveShortcuts(dataDir string, shortcuts []Shortcut) error {
	if shortcuts == nil {
		shortcuts = []Shortcut{}
	}
	data, err := json.MarshalIndent(shortcuts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode shortcuts: %w", err)
	}
	path := filepath.Join(dataDir, shortcutsFile)
	tmp, err := os.CreateTemp(dataDir, shortcutsFile+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write shortcuts: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod shortcuts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename shortcuts: %w", err)
	}
	return nil
}
