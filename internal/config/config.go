// Package config loads the two configuration surfaces the daemon needs at
// startup: the mandatory, spec-defined budget file, and an optional
// operational settings file layered on top of it.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"sdstored/internal/catalogue"
)

// ParseBudgetFile reads the line-oriented budget file described in spec §6:
// each non-empty, non-comment line is "<filter-name> <positive-integer>",
// whitespace separated. Duplicates are rejected. The format is fixed by the
// spec, so a hand-rolled scanner is used rather than a generic config
// library — a key=value or TOML parser would not accept this shape.
func ParseBudgetFile(r io.Reader) (map[string]int, error) {
	budgets := make(map[string]int)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("config: line %d: expected \"<filter> <max>\", got %q", lineNo, line)
		}
		name, raw := fields[0], fields[1]
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: line %d: %q is not a positive integer", lineNo, raw)
		}
		if _, dup := budgets[name]; dup {
			return nil, fmt.Errorf("config: line %d: duplicate filter %q", lineNo, name)
		}
		budgets[name] = n
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: reading budget file: %w", err)
	}
	return budgets, nil
}

// LoadBudgetFile opens and parses path.
func LoadBudgetFile(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening budget file: %w", err)
	}
	defer f.Close()
	return ParseBudgetFile(f)
}

// ResolveExecutable returns the path to the filter binary named exactly
// after kind inside dir, failing if it is missing or not executable.
func ResolveExecutable(dir string) func(catalogue.Kind) (string, error) {
	return func(kind catalogue.Kind) (string, error) {
		path := filepath.Join(dir, string(kind))
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("executable %q not found in %s: %w", kind, dir, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%q in %s is a directory, not an executable", kind, dir)
		}
		if info.Mode()&0111 == 0 {
			return "", fmt.Errorf("%q in %s is not executable", kind, dir)
		}
		return path, nil
	}
}

// Runtime holds the optional operational settings layered on top of the
// mandatory budget file. Every field has a default; the file itself is
// optional and its absence is not an error.
type Runtime struct {
	SocketPath        string `toml:"socket_path"`
	LogLevel          string `toml:"log_level"`
	PendingQueueHint  int    `toml:"pending_queue_hint"`
}

// DefaultRuntime returns the settings used when no runtime file is present.
func DefaultRuntime() Runtime {
	return Runtime{
		SocketPath:       "/tmp/sdstored.sock",
		LogLevel:         "info",
		PendingQueueHint: 64,
	}
}

// LoadRuntime reads an optional TOML settings file at path, overlaying
// values onto the defaults. A missing file is not an error.
func LoadRuntime(path string) (Runtime, error) {
	rt := DefaultRuntime()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rt, nil
		}
		return rt, fmt.Errorf("config: reading runtime settings: %w", err)
	}
	if err := toml.Unmarshal(data, &rt); err != nil {
		return rt, fmt.Errorf("config: parsing runtime settings: %w", err)
	}
	return rt, nil
}
