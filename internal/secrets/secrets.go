// Package secrets resolves credentials for a pipeline run and materialises
// them into an environment file. Secret values never leave this package
// except through the file written by WriteEnvFile.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Provider looks up a credential by id.
type Provider interface {
	Lookup(ctx context.Context, id string) (value string, ok bool, err error)
}

// Set maps container environment variable names to resolved values.
type Set map[string]string

// Names returns the variable names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String renders the set with values redacted.
func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, k := range s.Names() {
		parts = append(parts, k+"="+Mask)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// GoString keeps %#v from printing values.
func (s Set) GoString() string { return s.String() }

// MissingError lists credentials the provider could not resolve.
type MissingError struct {
	IDs []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("secrets not resolved: %s", strings.Join(e.IDs, ", "))
}

// Resolve looks up every credential id in mapping (variable → id) and
// returns the resolved set. All missing ids are reported together.
func Resolve(ctx context.Context, p Provider, mapping map[string]string) (Set, error) {
	set := make(Set, len(mapping))
	var missing []string
	for name, id := range mapping {
		v, ok, err := p.Lookup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", id, err)
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		set[name] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingError{IDs: missing}
	}
	return set, nil
}

// EnvProvider resolves credentials from the process environment, the way
// CI hosts expose bound credentials. The id is tried verbatim, then
// upper-cased with '-' and '.' replaced by '_' ("db-uri" → "DB_URI").
type EnvProvider struct {
	LookupEnv func(string) (string, bool) // defaults to os.LookupEnv
}

func (p EnvProvider) Lookup(_ context.Context, id string) (string, bool, error) {
	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(id); ok {
		return v, true, nil
	}
	v, ok := lookup(EnvName(id))
	return v, ok, nil
}

// EnvName converts a credential id to its environment variable form.
func EnvName(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// FileProvider resolves credentials from a YAML file of id: value pairs.
// The file is read once, on first lookup.
type FileProvider struct {
	Path string

	once   sync.Once
	values map[string]string
	err    error
}

func (p *FileProvider) Lookup(_ context.Context, id string) (string, bool, error) {
	p.once.Do(p.load)
	if p.err != nil {
		return "", false, p.err
	}
	v, ok := p.values[id]
	return v, ok, nil
}

func (p *FileProvider) load() {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		p.err = fmt.Errorf("reading secrets file: %w", err)
		return
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		// yaml errors can quote file content; do not wrap them.
		p.err = fmt.Errorf("parsing secrets file %s: invalid YAML mapping", p.Path)
		return
	}
	p.values = values
}

// NewProvider returns the provider named by kind.
func NewProvider(kind, file string) (Provider, error) {
	switch kind {
	case "", "env":
		return EnvProvider{}, nil
	case "file":
		return &FileProvider{Path: file}, nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", kind)
	}
}
