package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

const userAgent = "downloadgrid/1.0"

// HTTPSource fetches http and https resources
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTP source. Bodies are streamed for minutes, so
// the client has no overall timeout; only dialing and headers are bounded.
func NewHTTPSource() *HTTPSource {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &HTTPSource{client: &http.Client{Transport: transport}}
}

// NewHTTPSourceWithClient wraps an existing client, mostly for tests
func NewHTTPSourceWithClient(client *http.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

// Probe checks size and range support. HEAD is tried first; servers that
// reject it get a one-byte ranged GET instead.
func (s *HTTPSource) Probe(ctx context.Context, rawURL string) (ResourceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ResourceInfo{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			info := infoFromHeaders(resp.Header)
			info.Size = resp.ContentLength
			info.RangeSupported = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
			if info.Size <= 0 {
				info.Size = 0
				info.RangeSupported = false
			}
			return info, nil
		}
	}
	if ctx.Err() != nil {
		return ResourceInfo{}, fmt.Errorf("%w: %v", ErrProbeFailed, ctx.Err())
	}
	return s.probeWithGet(ctx, rawURL)
}

func (s *HTTPSource) probeWithGet(ctx context.Context, rawURL string) (ResourceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ResourceInfo{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return ResourceInfo{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	defer resp.Body.Close()

	info := infoFromHeaders(resp.Header)
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			info.Size = total
			info.RangeSupported = true
		}
	case http.StatusOK:
		if resp.ContentLength > 0 {
			info.Size = resp.ContentLength
		}
	default:
		return ResourceInfo{}, fmt.Errorf("%w: server returned status %s", ErrProbeFailed, resp.Status)
	}
	return info, nil
}

// Fetch opens the body for the requested range
func (s *HTTPSource) Fetch(ctx context.Context, fr FetchRequest) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fr.URL, nil)
	if err != nil {
		return nil, &TransferError{Op: "request", Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	if fr.Ranged {
		if fr.End > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", fr.Start, fr.End-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", fr.Start))
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &TransferError{Op: "get", Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && fr.Ranged:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK && (!fr.Ranged || fr.Start == 0):
		// A 200 for a ranged request from offset zero is still the right bytes.
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		return nil, &TransferError{Op: "get", StatusCode: resp.StatusCode, Err: ErrRangeIgnored}
	}

	resp.Body.Close()
	return nil, &TransferError{
		Op:         "get",
		StatusCode: resp.StatusCode,
		Retryable:  retryableStatus(resp.StatusCode),
		Err:        errors.New(http.StatusText(resp.StatusCode)),
	}
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// parseContentRangeTotal reads the total from "bytes 0-0/12345"
func parseContentRangeTotal(v string) (int64, bool) {
	idx := strings.LastIndexByte(v, '/')
	if idx < 0 || idx == len(v)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(v[idx+1:], 10, 64)
	if err != nil || total <= 0 {
		return 0, false
	}
	return total, true
}

func infoFromHeaders(h http.Header) ResourceInfo {
	info := ResourceInfo{
		ContentType: h.Get("Content-Type"),
		ETag:        h.Get("ETag"),
	}
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			info.FileName = path.Base(params["filename"])
		}
	}
	if info.FileName == "." || info.FileName == "/" {
		info.FileName = ""
	}
	return info
}
