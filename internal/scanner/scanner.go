package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind tells the indexer how to read a source file
type Kind int

const (
	KindEML Kind = iota
	KindMbox
)

func (k Kind) String() string {
	if k == KindMbox {
		return "mbox"
	}
	return "eml"
}

// Source is a file found by a scan
type Source struct {
	Path string // relative to the scan root, forward slashes
	Kind Kind
}

// Scanner scans directories for .eml files and mbox archives
type Scanner struct {
	rootPath string
}

// NewScanner creates a new scanner for the given root path
func NewScanner(rootPath string) *Scanner {
	return &Scanner{
		rootPath: rootPath,
	}
}

// GetRootPath returns the root path for resolving relative paths
func (s *Scanner) GetRootPath() string {
	return s.rootPath
}

// Resolve returns the absolute path of a source
func (s *Scanner) Resolve(src Source) (string, error) {
	absRoot, err := filepath.Abs(s.rootPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute root path: %w", err)
	}
	return filepath.Join(absRoot, filepath.FromSlash(src.Path)), nil
}

func kindOf(path string) (Kind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml":
		return KindEML, true
	case ".mbox", ".mbx":
		return KindMbox, true
	}
	return 0, false
}

// Scan recursively scans for sources and returns paths relative to rootPath
// so an archive can be moved between systems.
func (s *Scanner) Scan(ctx context.Context) ([]Source, error) {
	var sources []Source

	absRoot, err := filepath.Abs(s.rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute root path: %w", err)
	}

	err = filepath.Walk(absRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		kind, ok := kindOf(path)
		if !ok {
			return nil
		}

		relPath, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}
		sources = append(sources, Source{Path: filepath.ToSlash(relPath), Kind: kind})
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	return sources, nil
}
