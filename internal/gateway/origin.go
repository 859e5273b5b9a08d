package gateway

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"offsync/internal/cache"
)

// Fetcher performs all traffic to the backend origin. Responses come back as
// cache snapshots so strategies and pass-through share one code path.
type Fetcher struct {
	Client *http.Client
	Origin string
}

// ReadFunc adapts one inbound read into a strategy FetchFunc.
func (f *Fetcher) ReadFunc(method, uri string, header http.Header) cache.FetchFunc {
	h := cloneHeader(header)
	return func(ctx context.Context) (cache.Snapshot, bool, error) {
		return f.Do(ctx, method, uri, h, nil)
	}
}

// Do forwards a request to the origin and snapshots the response. cacheable
// is false for non-2xx responses and no-store/no-cache responses; err is a
// transport failure only.
func (f *Fetcher) Do(ctx context.Context, method, uri string, header http.Header, body []byte) (cache.Snapshot, bool, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.Origin+uri, rd)
	if err != nil {
		return cache.Snapshot{}, false, err
	}
	copyHeaders(req.Header, header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return cache.Snapshot{}, false, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Snapshot{}, false, err
	}

	snap := cache.Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     respBody,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(respBody),
	}
	snap.Header.Del("Content-Length")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return snap, false, nil
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	cacheable := !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
	return snap, cacheable, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
