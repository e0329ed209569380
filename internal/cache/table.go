// Package cache holds the static table of pre-baked responses that are
// served without any network fetch.
package cache

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"intercept-relay/internal/address"
	"intercept-relay/internal/config"
)

// Entry is one cached response, keyed by its real address.
type Entry struct {
	Address string
	Status  int
	Header  http.Header
	Body    []byte
}

// Table is an immutable exact-match lookup from real address to Entry.
// It is safe for concurrent use because nothing writes to it after New.
type Table struct {
	entries map[string]Entry
}

// New builds a Table. Addresses must be well-formed and unique, and
// statuses must be valid HTTP status codes.
func New(entries []Entry) (*Table, error) {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if _, err := address.Parse(e.Address); err != nil {
			return nil, fmt.Errorf("cache entry: %w", err)
		}
		if e.Status < 100 || e.Status > 599 {
			return nil, fmt.Errorf("cache entry %q: status %d out of range", e.Address, e.Status)
		}
		if _, dup := t.entries[e.Address]; dup {
			return nil, fmt.Errorf("cache entry %q: duplicate address", e.Address)
		}
		if e.Header == nil {
			e.Header = make(http.Header)
		}
		t.entries[e.Address] = e
	}
	return t, nil
}

// Find returns the entry stored under exactly realAddress.
// The returned header and body are shared; callers must not modify them.
func (t *Table) Find(realAddress string) (Entry, bool) {
	e, ok := t.entries[realAddress]
	return e, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Addresses returns every cached real address in sorted order.
func (t *Table) Addresses() []string {
	out := make([]string, 0, len(t.entries))
	for a := range t.entries {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// fileDoc is the layout of the YAML cache file.
type fileDoc struct {
	Entries []config.CacheEntryConfig `yaml:"entries"`
}

// Load builds the Table from the [[cache.entries]] in cfg plus the
// optional YAML file named by cache.file. Relative paths resolve against
// the config file's directory; body_file paths inside the YAML file
// resolve against the YAML file's directory.
func Load(cfg *config.Config) (*Table, error) {
	baseDir := cfg.Dir()

	entries, err := convert(cfg.Cache.Entries, baseDir)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.File != "" {
		path := resolve(baseDir, cfg.Cache.File)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cache: read %s: %w", path, err)
		}
		var doc fileDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("cache: parse %s: %w", path, err)
		}
		more, err := convert(doc.Entries, filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("cache: %s: %w", path, err)
		}
		entries = append(entries, more...)
	}

	t, err := New(entries)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return t, nil
}

func convert(src []config.CacheEntryConfig, baseDir string) ([]Entry, error) {
	out := make([]Entry, 0, len(src))
	for _, c := range src {
		if c.Body != "" && c.BodyFile != "" {
			return nil, fmt.Errorf("cache entry %q: body and body_file are mutually exclusive", c.URL)
		}
		body := []byte(c.Body)
		if c.BodyFile != "" {
			b, err := os.ReadFile(resolve(baseDir, c.BodyFile))
			if err != nil {
				return nil, fmt.Errorf("cache entry %q: read body: %w", c.URL, err)
			}
			body = b
		}
		status := c.Status
		if status == 0 {
			status = http.StatusOK
		}
		header := make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			header.Set(k, v)
		}
		out = append(out, Entry{
			Address: c.URL,
			Status:  status,
			Header:  header,
			Body:    body,
		})
	}
	return out, nil
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
