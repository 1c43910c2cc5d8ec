// Package gcs defines the object identifiers, metadata, and error taxonomy
// shared by the storage transport and the read channel.
package gcs

import (
	"fmt"
	"math"
)

// UnpinnedGeneration indicates that an ObjectHandle is not pinned to a
// specific content generation.
const UnpinnedGeneration int64 = -1

// SizeUnknown is the sentinel size reported for objects that the server
// decompresses transparently. The decoded length is unknown until the stream
// has been fully drained.
const SizeUnknown int64 = math.MaxInt64

// ContentEncodingGzip is the content encoding that triggers server-side
// transparent decompression.
const ContentEncodingGzip = "gzip"

// ObjectHandle identifies a remote object: bucket, object name, and an
// optional pinned generation. Handles are immutable values.
type ObjectHandle struct {
	// Bucket is the bucket name.
	Bucket string
	// Name is the object name within the bucket.
	Name string
	// Generation pins the handle to a specific content generation.
	// UnpinnedGeneration (or any negative value) means no pinning.
	Generation int64
}

// Pinned reports whether the handle requests a specific generation.
func (h ObjectHandle) Pinned() bool {
	return h.Generation > 0
}

// String renders the handle as a gs:// URL, with the generation suffixed
// when pinned.
func (h ObjectHandle) String() string {
	if h.Pinned() {
		return fmt.Sprintf("gs://%s/%s#%d", h.Bucket, h.Name, h.Generation)
	}
	return fmt.Sprintf("gs://%s/%s", h.Bucket, h.Name)
}

// ObjectMetadata holds the resolved attributes of a remote object. It is
// immutable once resolved and never refetched within a channel's lifetime.
type ObjectMetadata struct {
	// Size is the object size in bytes. SizeUnknown when the object is
	// gzip-encoded at the server, because the decoded length cannot be known
	// ahead of time.
	Size int64
	// ContentEncoding is the stored content encoding, if any.
	ContentEncoding string
	// Generation is the server-assigned content generation (positive).
	Generation int64
}

// Gzipped reports whether the server will transparently decompress the
// object's content.
func (m ObjectMetadata) Gzipped() bool {
	return m.ContentEncoding == ContentEncodingGzip
}
