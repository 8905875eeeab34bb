// Package rangefetch implements httpreader.RangeFetcher over net/http: it
// probes a URL once at construction to learn whether it supports byte
// ranges and how long it is, then opens forward-reading range requests on
// demand.
package rangefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Fetcher is a concrete httpreader.RangeFetcher over one URL.
type Fetcher struct {
	client  *http.Client
	url     string
	header  http.Header
	length  uint64
	accepts bool
}

// Option customizes a Fetcher at construction time.
type Option func(*Fetcher)

// WithHTTPClient overrides the default client used for every request this
// Fetcher issues, such as to install a custom transport or timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithHeader adds a header sent on every request this Fetcher issues, such
// as an Authorization token for a private object store.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) { f.header.Set(key, value) }
}

// New probes url and returns a Fetcher ready to serve FetchRange calls. It
// first tries a HEAD request; servers that don't answer HEAD usefully (or
// respond without the headers we need) are retried with a GET for just the
// first byte, which every HTTP server that understands Range must answer
// correctly regardless of HEAD support.
func New(ctx context.Context, url string, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		client: http.DefaultClient,
		url:    url,
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := f.probeHead(ctx); err != nil {
		if err := f.probeGetZero(ctx); err != nil {
			return nil, fmt.Errorf("rangefetch: probing %s: %w", url, err)
		}
	}
	return f, nil
}

func (f *Fetcher) probeHead(ctx context.Context) error {
	req, err := f.newRequest(ctx, http.MethodHead, 0, false)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HEAD returned status %d", resp.StatusCode)
	}
	length, err := parseContentLength(resp.Header.Get("Content-Length"))
	if err != nil {
		return err
	}

	f.length = length
	f.accepts = acceptsRanges(resp.Header)
	return nil
}

// probeGetZero asks for exactly the first byte. A server answering 206 with
// Content-Range "bytes 0-0/N" supports ranges and tells us N in one round
// trip; a server answering 200 with the whole body does not.
func (f *Fetcher) probeGetZero(ctx context.Context) error {
	req, err := f.newRequest(ctx, http.MethodGet, 0, false)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		length, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return err
		}
		f.length = length
		f.accepts = true
		return nil
	case http.StatusOK:
		length, err := parseContentLength(resp.Header.Get("Content-Length"))
		if err != nil {
			return err
		}
		f.length = length
		f.accepts = acceptsRanges(resp.Header)
		return nil
	default:
		return fmt.Errorf("probe GET returned status %d", resp.StatusCode)
	}
}

// AcceptsRanges reports whether the probe found Range support.
func (f *Fetcher) AcceptsRanges() bool { return f.accepts }

// Len returns the resource's total length as learned during the probe.
func (f *Fetcher) Len() uint64 { return f.length }

// FetchRange opens a forward-reading stream from offset to the end of the
// resource.
func (f *Fetcher) FetchRange(ctx context.Context, offset uint64) (io.ReadCloser, error) {
	req, err := f.newRequest(ctx, http.MethodGet, offset, true)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	// A 200 carries the whole body from byte zero, which is only the
	// requested stream when offset is zero.
	if resp.StatusCode == http.StatusPartialContent || (resp.StatusCode == http.StatusOK && offset == 0) {
		return resp.Body, nil
	}
	resp.Body.Close()
	return nil, fmt.Errorf("rangefetch: range request at offset %d returned status %d", offset, resp.StatusCode)
}

func (f *Fetcher) newRequest(ctx context.Context, method string, offset uint64, withRange bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range f.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if withRange {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return req, nil
}

func acceptsRanges(h http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Accept-Ranges")), "bytes")
}

func parseContentLength(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing Content-Length")
	}
	return strconv.ParseUint(s, 10, 64)
}

// parseContentRangeTotal extracts the total size from a header of the form
// "bytes 0-0/1234".
func parseContentRangeTotal(s string) (uint64, error) {
	i := strings.LastIndexByte(s, '/')
	if i < 0 || i == len(s)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", s)
	}
	return strconv.ParseUint(s[i+1:], 10, 64)
}
