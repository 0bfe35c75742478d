package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// stateFile is a JSON document shared by invocations on one host. A zero
// path disables persistence.
type stateFile struct {
	path string
}

func newStateFile(path string) (stateFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return stateFile{}, fmt.Errorf("create state dir: %w", err)
	}
	return stateFile{path: path}, nil
}

// load decodes the file into v. It reports false when there is nothing to load.
func (f stateFile) load(v any) (bool, error) {
	if f.path == "" {
		return false, nil
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode state %s: %w", f.path, err)
	}
	return true, nil
}

// save atomically rewrites the file with v.
func (f stateFile) save(v any) error {
	if f.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", f.path, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state %s: %w", f.path, err)
	}
	return nil
}
