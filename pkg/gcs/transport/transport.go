// Package transport issues single metadata and ranged-content requests
// against a remote object store and maps server responses to the shared
// error taxonomy. It does not itself retry.
package transport

import (
	"context"
	"io"

	"github.com/hail-is/gcs-connector/pkg/gcs"
)

// RangeSpec describes the byte interval of a content request. First is
// inclusive; Last is inclusive when non-negative, otherwise the server
// streams to end-of-object.
type RangeSpec struct {
	First int64
	Last  int64
}

// Unbounded reports whether the spec requests everything from First onward.
func (r RangeSpec) Unbounded() bool { return r.Last < 0 }

// ObjectStream is an open content stream positioned at Start. The caller
// owns Body and must close it.
type ObjectStream struct {
	// Body yields the object bytes beginning at Start.
	Body io.ReadCloser
	// Start is the object offset of the first byte Body will yield. Servers
	// may ignore a Range header, so Start must be checked against the
	// requested first byte.
	Start int64
	// ContentEncoding is the Content-Encoding response header, if any.
	ContentEncoding string
}

// Storage executes requests against a remote object store. Two adapters
// exist (HTTP/JSON and streaming RPC); they are interchangeable behind this
// contract.
type Storage interface {
	// FetchMetadata resolves the object's size, generation, and content
	// encoding. The request ignores a pinned generation and reports the
	// object's current one, so the caller can compare the two.
	FetchMetadata(ctx context.Context, handle gcs.ObjectHandle) (gcs.ObjectMetadata, error)

	// OpenRange opens a content stream for the given byte range. When the
	// handle pins a generation it is included in the request.
	OpenRange(ctx context.Context, handle gcs.ObjectHandle, spec RangeSpec) (*ObjectStream, error)
}
