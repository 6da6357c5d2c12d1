package formula

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Source supplies formula definitions to the Library. Reading may block on
// file or network I/O; the Library only touches the source during LoadAll,
// never on the evaluation hot path. Records that cannot be read or decoded
// come back as LoadErrors so one broken file never aborts the load; the
// error return is reserved for the source itself being unreachable.
type Source interface {
	LoadAll(ctx context.Context) ([]*FormulaDefinition, []LoadError, error)
}

// DirSource reads one definition per file from a directory. Files ending
// in .json decode as JSON, files ending in .toml as TOML; anything else is
// ignored. Unknown fields in a definition are ignored for forward
// compatibility.
type DirSource struct {
	Dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

func (s *DirSource) LoadAll(ctx context.Context) ([]*FormulaDefinition, []LoadError, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read definition directory %s: %w", s.Dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".json" || ext == ".toml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var defs []*FormulaDefinition
	var loadErrs []LoadError
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		path := filepath.Join(s.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			loadErrs = append(loadErrs, LoadError{
				FormulaID: strings.TrimSuffix(name, filepath.Ext(name)),
				Reason:    fmt.Sprintf("failed to read %s: %v", name, err),
			})
			continue
		}

		var def FormulaDefinition
		if strings.ToLower(filepath.Ext(name)) == ".toml" {
			err = toml.Unmarshal(data, &def)
		} else {
			err = json.Unmarshal(data, &def)
		}
		if err != nil {
			// The id is unknown for an undecodable file, so the filename
			// stem stands in for it in the report.
			loadErrs = append(loadErrs, LoadError{
				FormulaID: strings.TrimSuffix(name, filepath.Ext(name)),
				Reason:    fmt.Sprintf("failed to decode %s: %v", name, err),
			})
			continue
		}
		defs = append(defs, &def)
	}

	return defs, loadErrs, nil
}

// StaticSource serves a fixed set of definitions, used in tests and for
// embedding a built-in catalog.
type StaticSource struct {
	Defs []*FormulaDefinition
}

func (s *StaticSource) LoadAll(ctx context.Context) ([]*FormulaDefinition, []LoadError, error) {
	return s.Defs, nil, nil
}
