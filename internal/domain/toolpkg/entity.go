package toolpkg

import (
	"context"
	"errors"
	"io"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
)

var ErrNotInCatalog = errors.New("tool version not in catalog")

// Descriptor tells the loader where a package comes from and how to check it.
type Descriptor struct {
	Source       string // http(s) URL or object-store key
	SHA256       string
	SignatureURL string
	Entrypoint   string // relative to the install dir
	Archive      bool   // tar.gz to be extracted
}

// Package is an installed, verified analyzer. Shared read-only across tasks.
type Package struct {
	Name        scans.Tool
	Version     string
	Descriptor  Descriptor
	InstallPath string
	Checksum    string
}

func (p *Package) Key() string { return Key(p.Name, p.Version) }

func Key(name scans.Tool, version string) string { return string(name) + "@" + version }

// Fetcher downloads a package source into w.
type Fetcher interface {
	Fetch(ctx context.Context, source string, w io.Writer) error
}

// Verifier checks a downloaded file before it is installed.
type Verifier interface {
	VerifyChecksum(ctx context.Context, path, want string) error
	VerifySignature(ctx context.Context, path, signatureURL string) error
}
