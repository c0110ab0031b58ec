// Package artifact stores generated panel images and hands back stable URLs.
// Only the image bytes live here; story and page records belong to the web
// product and are out of scope.
package artifact

import "context"

// Store persists one generated artifact under a key and returns its public
// URL. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}
