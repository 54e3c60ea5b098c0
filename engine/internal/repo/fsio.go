package repo

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrAbsent is returned by ReadJSON when the target file does not exist or is
// empty. Readers across the ops-manager tolerate both as "no state yet".
var ErrAbsent = errors.New("artifact absent")

// WriteJSON persists v as indented JSON at path using write-temp-then-rename
// so readers never observe a partial document.
func WriteJSON(path string, v any) error {
	if err := EnsureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// ReadJSON loads path into v. Missing and empty files both surface ErrAbsent;
// a file that exists but fails to parse is a hard error (partial writes are
// impossible under WriteJSON, so corruption means something else wrote here).
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrAbsent
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return ErrAbsent
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// AppendJSONL appends v as one JSON line to path, creating the file (and
// parents) if needed. O_APPEND gives line atomicity for the single-writer
// model the control plane assumes.
func AppendJSONL(path string, v any) error {
	if err := EnsureParent(path); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal line for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// ReadJSONLFrom streams the lines of path starting at the given 0-based line
// offset, decoding each into a fresh value produced by newV and passing it to
// fn together with its 1-indexed line number. Missing files yield zero calls
// and no error. Blank lines are skipped but still counted.
func ReadJSONLFrom(path string, fromLine int64, newV func() any, fn func(line int64, v any) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var line int64
	for sc.Scan() {
		line++
		if line <= fromLine {
			continue
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		v := newV()
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		if err := fn(line, v); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

// CountLines returns the number of non-blank lines currently in the JSONL
// file at path (0 when absent).
func CountLines(path string) (int64, error) {
	var n int64
	err := ReadJSONLFrom(path, 0, func() any { return &json.RawMessage{} }, func(int64, any) error {
		n++
		return nil
	})
	return n, err
}

// CanonicalJSON re-encodes v with sorted object keys and no insignificant
// whitespace. Both transports canonicalize through here so parity checks can
// compare bytes.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys on marshal, which is exactly the
	// canonical ordering the parity requirement needs.
	return json.Marshal(generic)
}
