package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/hail-is/gcs-connector/pkg/gcs"
	"github.com/hail-is/gcs-connector/pkg/gcs/internal/httprange"
	"github.com/hail-is/gcs-connector/pkg/gcs/internal/logsafe"
	"github.com/hail-is/gcs-connector/pkg/logging"
)

const (
	// DefaultEndpoint is the public JSON API endpoint.
	DefaultEndpoint = "https://storage.googleapis.com"

	defaultUserAgent = "gcs-connector"

	// maxErrorBodyBytes bounds how much of an error response body is read
	// into the surfaced error.
	maxErrorBodyBytes = 4 << 10
)

// HTTPOption configures an HTTPStorage.
type HTTPOption func(*HTTPStorage)

// WithEndpoint overrides the base endpoint, e.g. to point at an emulator.
func WithEndpoint(endpoint string) HTTPOption {
	return func(s *HTTPStorage) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

// WithHTTPClient sets the http.Client used for all requests. Auth decorators
// are installed as the client's RoundTripper.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPStorage) {
		if client != nil {
			s.client = client
		}
	}
}

// WithRoundTripper installs the transport requests are sent through, e.g.
// an auth decorator, keeping the rest of the client's behaviour intact.
func WithRoundTripper(rt http.RoundTripper) HTTPOption {
	return func(s *HTTPStorage) {
		if rt == nil {
			return
		}
		client := *s.client
		client.Transport = rt
		s.client = &client
	}
}

// WithUserAgent sets the User-Agent header on all requests.
func WithUserAgent(ua string) HTTPOption {
	return func(s *HTTPStorage) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(log logging.Logger) HTTPOption {
	return func(s *HTTPStorage) {
		if log != nil {
			s.log = log
		}
	}
}

// HTTPStorage is the HTTP/JSON Storage adapter.
type HTTPStorage struct {
	endpoint  string
	client    *http.Client
	userAgent string
	log       logging.Logger
}

// NewHTTPStorage returns an HTTP/JSON adapter against the public endpoint,
// configured by opts.
func NewHTTPStorage(opts ...HTTPOption) *HTTPStorage {
	s := &HTTPStorage{
		endpoint:  DefaultEndpoint,
		client:    http.DefaultClient,
		userAgent: defaultUserAgent,
		log:       logging.NullLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// objectResource is the subset of the JSON API object resource the resolver
// consumes. Numeric fields arrive as decimal strings.
type objectResource struct {
	Size            string `json:"size"`
	Generation      string `json:"generation"`
	ContentEncoding string `json:"contentEncoding"`
}

// FetchMetadata implements Storage.
func (s *HTTPStorage) FetchMetadata(ctx context.Context, handle gcs.ObjectHandle) (gcs.ObjectMetadata, error) {
	// The request resolves the latest generation on purpose: the resolver
	// compares it against a pinned generation to tell a mismatch apart from
	// a missing object.
	u := s.objectURL(handle, url.Values{
		"fields": {"size,generation,contentEncoding"},
	}, false)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gcs.ObjectMetadata{}, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return gcs.ObjectMetadata{}, requestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gcs.ObjectMetadata{}, statusError(handle, resp)
	}

	var res objectResource
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return gcs.ObjectMetadata{}, gcs.Transient(fmt.Errorf("decoding object resource: %w", err))
	}
	md, err := res.toMetadata()
	if err != nil {
		return gcs.ObjectMetadata{}, fmt.Errorf("%s: %w", handle, err)
	}
	s.log.WithFields(logrus.Fields{
		"object":     handle.String(),
		"size":       md.Size,
		"generation": md.Generation,
	}).Debug("resolved object metadata")
	return md, nil
}

func (r objectResource) toMetadata() (gcs.ObjectMetadata, error) {
	size, err := strconv.ParseInt(r.Size, 10, 64)
	if err != nil || size < 0 {
		return gcs.ObjectMetadata{}, fmt.Errorf("malformed object size %q", r.Size)
	}
	gen, err := strconv.ParseInt(r.Generation, 10, 64)
	if err != nil || gen <= 0 {
		return gcs.ObjectMetadata{}, fmt.Errorf("malformed object generation %q", r.Generation)
	}
	return gcs.ObjectMetadata{
		Size:            size,
		ContentEncoding: r.ContentEncoding,
		Generation:      gen,
	}, nil
}

// OpenRange implements Storage.
func (s *HTTPStorage) OpenRange(ctx context.Context, handle gcs.ObjectHandle, spec RangeSpec) (*ObjectStream, error) {
	u := s.objectURL(handle, url.Values{"alt": {"media"}}, true)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Range", httprange.Header(spec.First, spec.Last))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, requestError(ctx, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start := spec.First
		if cr, _, _, ok := httprange.ParseContentRange(resp.Header.Get("Content-Range")); ok {
			start = cr
		}
		return &ObjectStream{
			Body:            resp.Body,
			Start:           start,
			ContentEncoding: resp.Header.Get("Content-Encoding"),
		}, nil
	case http.StatusOK:
		// The server streamed the whole object, either because the range was
		// unbounded from zero or because it ignored the Range header (gzip
		// transcoding does this). The stream starts at zero either way.
		return &ObjectStream{
			Body:            resp.Body,
			Start:           0,
			ContentEncoding: resp.Header.Get("Content-Encoding"),
		}, nil
	default:
		defer resp.Body.Close()
		return nil, statusError(handle, resp)
	}
}

func (s *HTTPStorage) objectURL(handle gcs.ObjectHandle, query url.Values, pinGeneration bool) string {
	if pinGeneration && handle.Pinned() {
		query.Set("generation", strconv.FormatInt(handle.Generation, 10))
	}
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?%s",
		s.endpoint,
		url.PathEscape(handle.Bucket),
		url.PathEscape(handle.Name),
		query.Encode())
}

// requestError classifies a failure from http.Client.Do. Connection resets
// and timeouts are transient; a canceled context propagates as-is.
func requestError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	return gcs.Transient(err)
}

// statusError maps a non-2xx response to the error taxonomy: 404 is not
// found, 408/429/5xx are transient, anything else is fatal.
func statusError(handle gcs.ObjectHandle, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	body := logsafe.Truncate(string(raw))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &gcs.NotFoundError{Handle: handle}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return gcs.Transient(&gcs.StatusError{
			Handle:     handle,
			StatusCode: resp.StatusCode,
			Body:       body,
		})
	default:
		return &gcs.StatusError{
			Handle:     handle,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}
}
