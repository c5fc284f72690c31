package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/takeout_downloader/internal/fetch/progress"
	"github.com/italolelis/takeout_downloader/internal/logctx"
)

const (
	// TempSuffix marks an in-flight download. The final path only ever
	// receives a complete, size-verified file via rename.
	TempSuffix = ".downloading"

	// Archive endpoints serve an HTML login page through the same URL once
	// the session expires. A body smaller than this is never a real archive.
	minArchiveBytes = 1000

	defaultProgressInterval = 8 * 1024 * 1024 // 8MB

	filePerm = 0o644

	// The export endpoint rejects non-browser agents.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// FileInfo is the result of a HEAD probe against a remote archive.
type FileInfo struct {
	Size        int64 // -1 when the server declared no content length
	ContentType string
}

// Client performs authenticated streaming downloads of single archives.
// One client is shared by all workers; the credential travels per call.
type Client struct {
	http             *http.Client
	progressInterval int64
}

// NewClient builds a client tuned for long-running large-body transfers:
// connection reuse across workers, no response compression, a header timeout
// instead of a whole-request timeout.
func NewClient(headerTimeout time.Duration, maxParallel int) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost:   maxParallel,
		MaxIdleConns:          maxParallel * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		DisableCompression:    true,
	}

	return &Client{
		http:             &http.Client{Transport: transport},
		progressInterval: defaultProgressInterval,
	}
}

// Head probes a remote archive for its declared size without transferring
// the body. The same auth classification applies as for Fetch.
func (c *Client) Head(ctx context.Context, url, cookie string) (*FileInfo, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url, cookie)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &TransientError{URL: url, Operation: "probe", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyResponse(url, req, resp, "probe"); err != nil {
		return nil, err
	}

	return &FileInfo{
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Fetch streams one archive to dest. Bytes land in a temporary sibling path
// first; the final path is only written by an atomic rename after the full
// body arrived and matched the declared size. On any failure the temporary
// file is removed, never promoted.
func (c *Client) Fetch(ctx context.Context, url, cookie, dest string, onProgress progress.Func) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := c.newRequest(ctx, http.MethodGet, url, cookie)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return 0, &TransientError{URL: url, Operation: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyResponse(url, req, resp, "fetch"); err != nil {
		return 0, err
	}

	expected := resp.ContentLength
	if expected >= 0 && expected < minArchiveBytes {
		return 0, &AuthError{URL: url, Reason: fmt.Sprintf("declared size %d bytes is too small for an archive", expected)}
	}

	tmp := dest + TempSuffix

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	pr := progress.NewReader(resp.Body, expected, c.progressInterval, onProgress)

	written, err := c.streamBody(pr, out, dest)

	if cerr := out.Close(); cerr != nil && err == nil {
		err = &TransientError{URL: url, Operation: "fetch", Err: cerr}
	}

	if err == nil && expected >= 0 && written != expected {
		err = &SizeMismatchError{URL: url, Expected: expected, Received: written}
	}

	if err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("failed to remove temp file", "path", tmp, "err", rmErr)
		}

		if ctx.Err() != nil {
			return written, ctx.Err()
		}

		if expected >= 0 && written < expected {
			if _, ok := err.(*AuthError); !ok {
				if _, ok := err.(*SizeMismatchError); !ok {
					// Interrupted streams with a known length are a size
					// mismatch, not a generic network failure.
					err = &SizeMismatchError{URL: url, Expected: expected, Received: written}
				}
			}
		}

		return written, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)

		return written, fmt.Errorf("promote %s: %w", dest, err)
	}

	return written, nil
}

// streamBody copies the response into the temp file, sniffing the archive
// magic on the first read. A login page served with an archive content type
// still starts with HTML, not PK.
func (c *Client) streamBody(body io.Reader, out *os.File, dest string) (int64, error) {
	checkMagic := strings.EqualFold(filepath.Ext(dest), ".zip")

	if checkMagic {
		head := make([]byte, 2)

		n, err := io.ReadFull(body, head)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return int64(n), &AuthError{Reason: "response body too short for an archive"}
			}

			return int64(n), err
		}

		if head[0] != 'P' || head[1] != 'K' {
			return int64(n), &AuthError{Reason: "response is not a zip archive"}
		}

		if _, err := out.Write(head); err != nil {
			return int64(n), err
		}
	}

	copied, err := io.Copy(out, body)

	written := copied
	if checkMagic {
		written += 2
	}

	return written, err
}

func (c *Client) newRequest(ctx context.Context, method, url, cookie string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Cookie", cookie)

	return req, nil
}

// classifyResponse maps a response onto the outcome taxonomy. The client
// follows redirects, so a login bounce shows up as a final URL on a
// different host serving HTML.
func classifyResponse(url string, req *http.Request, resp *http.Response, op string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{URL: url, Reason: "authentication rejected", StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &TransientError{URL: url, Operation: op, StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		return &TransientError{URL: url, Operation: op, StatusCode: resp.StatusCode}
	}

	final := resp.Request.URL
	if strings.Contains(final.Host, "accounts.google") {
		return &AuthError{URL: url, Reason: "redirected to login at " + final.Host}
	}

	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return &AuthError{URL: url, Reason: "got " + ct + " instead of an archive"}
	}

	return nil
}
