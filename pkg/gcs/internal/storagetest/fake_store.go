// Package storagetest provides an in-memory object store that speaks just
// enough of the HTTP/JSON API for transport and channel tests: metadata
// GETs, ranged media GETs, generation pinning, gzip transcoding, and fault
// injection.
package storagetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hail-is/gcs-connector/pkg/gcs/internal/httprange"
)

// Object is a stored object served by the fake store.
type Object struct {
	// Data is the content the server delivers. For gzip objects this is the
	// decoded content, because the fake mimics transparent decompression.
	Data []byte
	// Generation is the content generation reported in metadata.
	Generation int64
	// ContentEncoding, when "gzip", makes the store ignore Range headers and
	// stream Data whole with a Content-Encoding header, the way transcoding
	// behaves.
	ContentEncoding string
	// StoredSize is the size reported in metadata. Zero means len(Data).
	StoredSize int64
}

// Request records one observed request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Range  string
	Media  bool
}

// Store is an http.RoundTripper serving fake objects.
type Store struct {
	mu       sync.Mutex
	objects  map[string]*Object // key: bucket/name
	requests []Request

	// metadataStatuses and mediaStatuses are queues of status codes to
	// return before serving normally. Zero entries serve normally.
	metadataStatuses []int
	mediaStatuses    []int

	// failBodyAfter, when >= 0, cuts the next media response body after that
	// many bytes with a connection-reset error. Reset to -1 once consumed.
	failBodyAfter int
}

// NewStore returns an empty fake store.
func NewStore() *Store {
	return &Store{
		objects:       make(map[string]*Object),
		failBodyAfter: -1,
	}
}

// Put adds or replaces an object.
func (s *Store) Put(bucket, name string, obj *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj.Generation == 0 {
		obj.Generation = 1
	}
	s.objects[bucket+"/"+name] = obj
}

// PutBytes adds a plain object with the given content and generation 1.
func (s *Store) PutBytes(bucket, name string, data []byte) {
	s.Put(bucket, name, &Object{Data: data})
}

// EnqueueMetadataStatus queues a status code for upcoming metadata requests.
func (s *Store) EnqueueMetadataStatus(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadataStatuses = append(s.metadataStatuses, codes...)
}

// EnqueueMediaStatus queues a status code for upcoming media requests.
func (s *Store) EnqueueMediaStatus(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaStatuses = append(s.mediaStatuses, codes...)
}

// FailBodyAfter cuts the next media response body after n bytes.
func (s *Store) FailBodyAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBodyAfter = n
}

// Requests returns all observed requests.
func (s *Store) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RangeHeaders returns the Range header of each observed media request, in
// order.
func (s *Store) RangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.requests {
		if r.Media {
			out = append(out, r.Range)
		}
	}
	return out
}

// MediaRequestCount returns how many media requests have been observed.
func (s *Store) MediaRequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Media {
			n++
		}
	}
	return n
}

// Client returns an http.Client using the store as its transport.
func (s *Store) Client() *http.Client {
	return &http.Client{Transport: s}
}

// RoundTrip implements http.RoundTripper.
func (s *Store) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := req.URL.Query()
	media := query.Get("alt") == "media"
	s.requests = append(s.requests, Request{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  query,
		Range:  req.Header.Get("Range"),
		Media:  media,
	})

	if req.Method != http.MethodGet {
		return response(req, http.StatusMethodNotAllowed, nil, nil), nil
	}

	if code := s.popStatus(media); code != 0 {
		return response(req, code, nil, []byte(http.StatusText(code))), nil
	}

	obj, ok := s.lookup(req.URL.Path)
	if !ok {
		return response(req, http.StatusNotFound, nil, []byte("no such object")), nil
	}
	if gen := query.Get("generation"); gen != "" {
		want, err := strconv.ParseInt(gen, 10, 64)
		if err != nil || want != obj.Generation {
			return response(req, http.StatusNotFound, nil, []byte("no such generation")), nil
		}
	}

	if media {
		return s.serveMedia(req, obj), nil
	}
	return s.serveMetadata(req, obj), nil
}

func (s *Store) popStatus(media bool) int {
	queue := &s.metadataStatuses
	if media {
		queue = &s.mediaStatuses
	}
	if len(*queue) == 0 {
		return 0
	}
	code := (*queue)[0]
	*queue = (*queue)[1:]
	return code
}

// lookup resolves "/storage/v1/b/{bucket}/o/{object}" to a stored object.
func (s *Store) lookup(path string) (*Object, bool) {
	const prefix = "/storage/v1/b/"
	if !strings.HasPrefix(path, prefix) {
		return nil, false
	}
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/o/", 2)
	if len(parts) != 2 {
		return nil, false
	}
	name, err := url.PathUnescape(parts[1])
	if err != nil {
		return nil, false
	}
	obj, ok := s.objects[parts[0]+"/"+name]
	return obj, ok
}

func (s *Store) serveMetadata(req *http.Request, obj *Object) *http.Response {
	size := obj.StoredSize
	if size == 0 {
		size = int64(len(obj.Data))
	}
	body, _ := json.Marshal(map[string]string{
		"size":            strconv.FormatInt(size, 10),
		"generation":      strconv.FormatInt(obj.Generation, 10),
		"contentEncoding": obj.ContentEncoding,
	})
	h := http.Header{"Content-Type": {"application/json"}}
	return response(req, http.StatusOK, h, body)
}

func (s *Store) serveMedia(req *http.Request, obj *Object) *http.Response {
	h := http.Header{}
	if obj.ContentEncoding == "gzip" {
		// Transcoding: the range is ignored and decoded bytes stream whole.
		h.Set("Content-Encoding", "gzip")
		return s.bodyResponse(req, http.StatusOK, h, obj.Data)
	}

	first, last, ok := httprange.Parse(req.Header.Get("Range"))
	size := int64(len(obj.Data))
	if !ok {
		return s.bodyResponse(req, http.StatusOK, h, obj.Data)
	}
	if first >= size {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return response(req, http.StatusRequestedRangeNotSatisfiable, h, nil)
	}
	if last < 0 || last >= size {
		last = size - 1
	}
	h.Set("Content-Range", httprange.ContentRange(first, last, size))
	return s.bodyResponse(req, http.StatusPartialContent, h, obj.Data[first:last+1])
}

func (s *Store) bodyResponse(req *http.Request, code int, h http.Header, data []byte) *http.Response {
	resp := response(req, code, h, data)
	if s.failBodyAfter >= 0 {
		n := s.failBodyAfter
		s.failBodyAfter = -1
		resp.Body = io.NopCloser(&cutReader{r: bytes.NewReader(data), remaining: n})
	}
	return resp
}

func response(req *http.Request, code int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode:    code,
		Status:        http.StatusText(code),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// cutReader yields bytes until its budget runs out, then fails the way a
// reset connection does.
type cutReader struct {
	r         *bytes.Reader
	remaining int
}

func (c *cutReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	if len(p) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= n
	if err == io.EOF {
		return n, io.EOF
	}
	return n, err
}

// SequentialData generates deterministic content of the given size.
func SequentialData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}
