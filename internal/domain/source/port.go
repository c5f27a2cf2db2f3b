package source

import "context"

// SCM port (interface untuk source control)
type SCM interface {
	// Checkout materializes revision into dir.
	Checkout(ctx context.Context, repo, revision, dir string) error
	// Diff lists paths changed between two revisions of the working copy at dir.
	// Returns ErrRevisionUnknown when either revision cannot be resolved.
	Diff(ctx context.Context, dir, from, to string) ([]Change, error)
	// Blame returns the author of the line range [start, end] of path.
	Blame(ctx context.Context, dir, path string, start, end int) (string, error)
}
