// Package jsonutil provides the small JSON helpers shared by the state
// files, the history store and the agent output parser.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// UnmarshalWithContext unmarshals data into v, naming what was being
// parsed in the error.
func UnmarshalWithContext(data []byte, what string, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", what, err)
	}
	return nil
}

// StringEnum is a constraint for enum types that have a String() method.
type StringEnum interface {
	String() string
}

// MarshalEnum marshals an enum value as its string representation.
func MarshalEnum[T StringEnum](v T) ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalEnum parses an enum value from its JSON string form using
// parseFunc.
func UnmarshalEnum[T StringEnum](data []byte, parseFunc func(string) (T, error)) (T, error) {
	var zero T
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return zero, err
	}
	return parseFunc(s)
}

// ParseEnumError creates a standardized error for invalid enum strings.
func ParseEnumError(enumName, value string) error {
	return fmt.Errorf("unknown %s: %s", enumName, value)
}

// ExtractObject finds the first balanced top-level JSON object in noisy
// text. Agent CLIs wrap their JSON result in banners and progress lines;
// this digs the object out. Returns false when no balanced object exists.
func ExtractObject(s string) ([]byte, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return []byte(candidate), true
				}
				start = -1
			}
		}
	}
	return nil, false
}

// WriteAtomic writes data to path through a temp file and rename, so
// readers never observe a partial file. The parent directory is created
// if missing.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("setting mode on %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
