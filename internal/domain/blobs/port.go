package blobs

import (
	"context"
	"io"
)

// ObjectStore port: blob storage used for tool distribution and the remote
// baseline cache. Get reports found=false for a missing key.
type ObjectStore interface {
	Get(ctx context.Context, key string) (blob []byte, found bool, err error)
	Put(ctx context.Context, key string, blob []byte) error
	Download(ctx context.Context, key string, w io.Writer) error
}
