// Package dex exports per-generation game data tables as JSON.
//
// A source directory holds one sub-directory per generation; each file in
// it is one table. Export writes <out>/<gen>.json, an object keyed by table
// name, indented with two spaces. Values are dumped as read, with no
// transformation.
package dex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// tableExts lists the table formats Export understands.
var tableExts = map[string]bool{
	".yaml": true,
	".yml":  true,
	".toml": true,
	".json": true,
}

// Options configures Export.
type Options struct {
	Source  string   // directory with one sub-directory per generation
	Out     string   // output directory, created if missing
	Gens    []string // generations to export; empty means every sub-directory
	Workers int      // concurrent generations; <= 0 means GOMAXPROCS
}

// Result describes one written generation file.
type Result struct {
	Gen    string
	Path   string
	Tables int
	Bytes  int
}

// Export writes one JSON file per generation. Generations are exported
// concurrently; the first failure cancels the rest and is returned.
// Results are in generation order.
func Export(ctx context.Context, opts Options) ([]Result, error) {
	if opts.Source == "" {
		return nil, fmt.Errorf("dex: source directory is required")
	}
	if opts.Out == "" {
		return nil, fmt.Errorf("dex: output directory is required")
	}

	gens := opts.Gens
	if len(gens) == 0 {
		var err error
		if gens, err = Generations(opts.Source); err != nil {
			return nil, err
		}
	}
	if len(gens) == 0 {
		return nil, fmt.Errorf("dex: no generations under %s", opts.Source)
	}
	if err := os.MkdirAll(opts.Out, 0o755); err != nil {
		return nil, fmt.Errorf("dex: create output dir: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(gens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, gen := range gens {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := exportGeneration(filepath.Join(opts.Source, gen), opts.Out, gen)
			if err != nil {
				return err
			}
			results[i] = res
			logrus.Debugf("dex: wrote %s (%d tables, %d bytes)", res.Path, res.Tables, res.Bytes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Generations returns the sorted names of the sub-directories of source.
func Generations(source string) ([]string, error) {
	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, fmt.Errorf("dex: read source dir: %w", err)
	}
	var gens []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			gens = append(gens, entry.Name())
		}
	}
	sort.Strings(gens)
	return gens, nil
}

func exportGeneration(dir, out, gen string) (Result, error) {
	tables, err := LoadGeneration(dir)
	if err != nil {
		return Result{}, fmt.Errorf("dex: %s: %w", gen, err)
	}
	data, err := encode(tables)
	if err != nil {
		return Result{}, fmt.Errorf("dex: %s: %w", gen, err)
	}
	path := filepath.Join(out, gen+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("dex: write %s: %w", path, err)
	}
	return Result{Gen: gen, Path: path, Tables: len(tables), Bytes: len(data)}, nil
}

// LoadGeneration reads every table file in dir into a map keyed by table
// name. Two files with the same base name are an error.
func LoadGeneration(dir string) (map[string]any, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read generation dir: %w", err)
	}
	tables := make(map[string]any)
	sources := make(map[string]string)
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || !tableExts[ext] {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if prev, dup := sources[name]; dup {
			return nil, fmt.Errorf("table %q defined by both %s and %s", name, prev, entry.Name())
		}
		value, err := decodeTable(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		tables[name] = value
		sources[name] = entry.Name()
	}
	return tables, nil
}

func decodeTable(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}

	var value any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		value = normalize(value)
	case ".toml":
		var table map[string]any
		if _, err := toml.Decode(string(data), &table); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		value = table
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return value, nil
}

// normalize turns the map[any]any values YAML produces for non-string keys
// into map[string]any so they can be encoded as JSON objects.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = normalize(val)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i, val := range x {
			x[i] = normalize(val)
		}
		return x
	default:
		return v
	}
}

func encode(tables map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tables); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
