// Package repository defines where vehicle positions come from and opens the
// right backend for a source URI.
//
// Go Learning Note — Small Interfaces:
// PositionSource has three methods and knows nothing about files, SQL, or S3.
// Each backend lives in its own subpackage and satisfies the interface
// implicitly, so the backends never import this package and the services
// depend only on the interface.
package repository

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"fleet/internal/config"
	"fleet/internal/repository/file"
	"fleet/internal/repository/memory"
	"fleet/internal/repository/objectstore"
	"fleet/internal/repository/sqlite"
)

var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// OpenSource opens the backend named by uri:
//
//	file://path, or a bare path   record stream on disk
//	sqlite://path                 SQLite database
//	s3://bucket/key               object in an S3-compatible store
//	memory://N[?seed=S]           N synthetic positions
func OpenSource(uri string, store config.ObjectStoreConfig) (PositionSource, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		if uri == "" {
			return nil, errors.New("empty source uri")
		}
		return file.New(uri), nil
	}

	switch strings.ToLower(scheme) {
	case "file":
		if rest == "" {
			return nil, fmt.Errorf("%q: missing path", uri)
		}
		return file.New(rest), nil
	case "sqlite", "sqlite3":
		if rest == "" {
			return nil, fmt.Errorf("%q: missing path", uri)
		}
		db, err := sqlite.Open(rest)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "s3":
		src, err := objectstore.Open(uri, store)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "memory":
		count, seed, err := parseMemory(rest)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", uri, err)
		}
		return memory.NewPositionRepository(memory.Generate(count, seed)), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, scheme)
	}
}

func parseMemory(rest string) (count int, seed uint64, err error) {
	countPart, query, _ := strings.Cut(rest, "?")
	seed = 1

	if countPart != "" {
		count, err = strconv.Atoi(countPart)
		if err != nil || count < 0 {
			return 0, 0, fmt.Errorf("invalid position count %q", countPart)
		}
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, 0, err
	}
	if s := values.Get("seed"); s != "" {
		seed, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid seed %q", s)
		}
	}
	return count, seed, nil
}
