// Package snapshot fetches still images from traffic camera endpoints.
//
// Most cameras serve the JPEG directly. Some serve a JSON or HTML metadata
// document that points at the current image; the fetcher follows one such
// indirection, locating the image URL with gjson (JSON) or an <img> scan
// (HTML).
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Kind classifies fetch failures.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindHTTPStatus Kind = "http_status"
	KindNetwork    Kind = "network"
	KindNotImage   Kind = "not_image"
	KindEmpty      Kind = "empty"
	KindTooLarge   Kind = "too_large"
)

// FetchError describes a failed fetch.
type FetchError struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the FetchError kind in err's chain, or "".
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Image is a fetched snapshot.
type Image struct {
	Bytes       []byte
	ContentType string
	// URL is the address the image bytes were read from, after any
	// metadata indirection.
	URL string
}

const defaultMaxBytes = 10 << 20

// Fetcher downloads camera snapshots.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

// New creates a Fetcher. A nil client gets a 20s timeout client.
func New(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:    client,
		maxBytes:  defaultMaxBytes,
		userAgent: "highwayvlm-poller/1.0",
		logger:    logger,
	}
}

// Fetch returns the image served at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Image, error) {
	body, contentType, err := f.get(ctx, rawURL)
	if err != nil {
		return Image{}, err
	}
	if len(body) == 0 {
		return Image{}, &FetchError{Kind: KindEmpty, URL: rawURL}
	}
	if isImage(contentType, body) {
		return Image{Bytes: body, ContentType: imageType(contentType, body), URL: rawURL}, nil
	}

	imageURL := findImageURL(contentType, body, rawURL)
	if imageURL == "" {
		return Image{}, &FetchError{Kind: KindNotImage, URL: rawURL, Err: fmt.Errorf("content type %q", contentType)}
	}
	f.logger.Debug("following snapshot metadata", "url", rawURL, "image_url", imageURL)

	body, contentType, err = f.get(ctx, imageURL)
	if err != nil {
		return Image{}, err
	}
	if len(body) == 0 {
		return Image{}, &FetchError{Kind: KindEmpty, URL: imageURL}
	}
	if !isImage(contentType, body) {
		return Image{}, &FetchError{Kind: KindNotImage, URL: imageURL, Err: fmt.Errorf("content type %q", contentType)}
	}
	return Image{Bytes: body, ContentType: imageType(contentType, body), URL: imageURL}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*, application/json;q=0.5, text/html;q=0.2")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &FetchError{Kind: classify(ctx, err), URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, "", &FetchError{Kind: KindHTTPStatus, URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", &FetchError{Kind: classify(ctx, err), URL: rawURL, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", &FetchError{Kind: KindTooLarge, URL: rawURL, Err: fmt.Errorf("body exceeds %d bytes", f.maxBytes)}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func classify(ctx context.Context, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

func isImage(contentType string, body []byte) bool {
	if strings.HasPrefix(mediaType(contentType), "image/") {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(body), "image/")
}

func imageType(contentType string, body []byte) string {
	if mt := mediaType(contentType); strings.HasPrefix(mt, "image/") {
		return mt
	}
	return http.DetectContentType(body)
}

// Extension returns the file extension for an image content type.
func Extension(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "gif"):
		return "gif"
	default:
		return "jpg"
	}
}

var (
	imageExtRegex = regexp.MustCompile(`(?i)\.(?:jpg|jpeg|png|gif)(?:\?|$)`)
	htmlImgRegex  = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)
)

func findImageURL(contentType string, body []byte, base string) string {
	mt := mediaType(contentType)
	switch {
	case strings.Contains(mt, "json") || gjson.ValidBytes(body):
		if u := walkJSON(gjson.ParseBytes(body), ""); u != "" {
			return resolve(base, u)
		}
	case strings.Contains(mt, "html"):
		for _, m := range htmlImgRegex.FindAllSubmatch(body, -1) {
			if u := string(m[1]); looksLikeImageURL(u, "img") {
				return resolve(base, u)
			}
		}
	}
	return ""
}

// walkJSON returns the first string value that looks like an image URL.
func walkJSON(r gjson.Result, key string) string {
	switch {
	case r.Type == gjson.String:
		if looksLikeImageURL(r.String(), strings.ToLower(key)) {
			return r.String()
		}
	case r.IsObject() || r.IsArray():
		var found string
		r.ForEach(func(k, v gjson.Result) bool {
			found = walkJSON(v, k.String())
			return found == ""
		})
		return found
	}
	return ""
}

func looksLikeImageURL(value, keyHint string) bool {
	lowered := strings.ToLower(value)
	if isViewerURL(lowered) {
		return false
	}
	if imageExtRegex.MatchString(lowered) {
		return true
	}
	if !strings.HasPrefix(lowered, "http://") && !strings.HasPrefix(lowered, "https://") && !strings.HasPrefix(lowered, "/") {
		return false
	}
	if strings.Contains(keyHint, "image") || strings.Contains(keyHint, "snapshot") {
		return true
	}
	return strings.Contains(lowered, "image") || strings.Contains(lowered, "snapshot")
}

func isViewerURL(lowered string) bool {
	return strings.Contains(lowered, "list/cameras") ||
		strings.Contains(lowered, "#media/camera") ||
		strings.Contains(lowered, "/media/camera/")
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
