// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the SQL files that create the journal schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

// File is one migration. Name doubles as the schema_migrations key.
type File struct {
	Name    string
	Version int
	SQL     string
}

// Ordered returns the embedded migrations sorted by version. File names must
// start with a numeric version ("0001_journal.sql") and versions must be
// unique.
func Ordered() ([]File, error) {
	return load(embeddedFiles)
}

func load(fsys fs.FS) ([]File, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, err := parseVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, err
		}

		files = append(files, File{Name: entry.Name(), Version: version, SQL: string(body)})
	}

	slices.SortFunc(files, func(a, b File) int { return a.Version - b.Version })
	for i := 1; i < len(files); i++ {
		if files[i].Version == files[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", files[i].Version, files[i-1].Name, files[i].Name)
		}
	}
	return files, nil
}

func parseVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: name must be <version>_<description>.sql", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("migration %s: invalid version %q", name, prefix)
	}
	return v, nil
}
