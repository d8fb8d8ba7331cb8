package downloader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ResourceInfo is what a probe learns about a remote resource
type ResourceInfo struct {
	Size           int64
	RangeSupported bool
	FileName       string
	ContentType    string
	ETag           string
}

// FetchRequest asks a source for the bytes [Start, End). End < 0 means to the
// end of the stream. Ranged is false for a plain full-body request.
type FetchRequest struct {
	URL    string
	Start  int64
	End    int64
	Ranged bool
}

// Source retrieves remote bytes for one url scheme
type Source interface {
	Probe(ctx context.Context, rawURL string) (ResourceInfo, error)
	Fetch(ctx context.Context, req FetchRequest) (io.ReadCloser, error)
}

// Sources maps a url scheme to the Source serving it
type Sources map[string]Source

// Lookup returns the source for rawURL's scheme
func (s Sources) Lookup(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrUnsupportedScheme, rawURL)
	}
	src, ok := s[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return src, nil
}
