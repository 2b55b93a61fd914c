package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnvFileName is the file consumed by `docker run --env-file`.
const EnvFileName = "env.list"

// Mask replaces secret values in rendered output.
const Mask = "****"

// WriteEnvFile writes set as KEY=value lines to dir/env.list with mode 0600
// and returns the file path. An empty set writes no file and returns "".
func WriteEnvFile(dir string, set Set) (string, error) {
	if len(set) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, k := range set.Names() {
		v := set[k]
		if k == "" || strings.ContainsAny(k, "=\n\r \t") {
			return "", fmt.Errorf("invalid variable name %q", k)
		}
		if strings.ContainsAny(v, "\n\r") {
			// Value deliberately omitted from the error.
			return "", fmt.Errorf("value of %s spans multiple lines", k)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}

	path := filepath.Join(dir, EnvFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", EnvFileName, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", EnvFileName, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing %s: %w", EnvFileName, err)
	}
	return path, nil
}

// RemoveEnvFile deletes the env file. Removing a missing file is not an error.
func RemoveEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", EnvFileName, err)
	}
	return nil
}

// Redactor masks secret values in text such as captured container output.
type Redactor struct {
	values []string
}

// NewRedactor builds a redactor for the values in set. Longer values are
// replaced first so that a value containing another is masked whole.
func NewRedactor(set Set) *Redactor {
	r := &Redactor{}
	for _, v := range set {
		if v != "" {
			r.values = append(r.values, v)
		}
	}
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	return r
}

// Redact returns s with every secret value replaced by Mask.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}
