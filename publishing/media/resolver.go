package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	"github.com/PuerkitoBio/goquery"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const maxPageBytes = 2 << 20

type Config struct {
	// BaseURL is where already durable media lives. URLs under it are not probed.
	BaseURL      string
	UploadDir    string
	ProbeTimeout time.Duration
	MaxBytes     int64
	HTTPClient   *http.Client
}

// Resolver turns a content item's media references into one URL a platform
// can fetch.
type Resolver struct {
	baseURL   string
	uploadDir string
	timeout   time.Duration
	maxBytes  int64
	client    *http.Client
	store     Store
}

func NewResolver(cfg Config, store Store) *Resolver {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 100 << 20
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeout}
	}
	return &Resolver{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		uploadDir: cfg.UploadDir,
		timeout:   cfg.ProbeTimeout,
		maxBytes:  cfg.MaxBytes,
		client:    client,
		store:     store,
	}
}

// Resolve returns the durable URL of the first media reference, or "" when the
// item is text only. Failures are *publisher.Error values.
func (r *Resolver) Resolve(ctx context.Context, refs []content.MediaRef) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	ref := refs[0]

	switch {
	case ref.URL != "":
		return r.resolveURL(ctx, ref.URL)
	case ref.Path != "":
		return r.resolvePath(ctx, ref)
	default:
		return "", publisher.Validation("media_empty", "media reference has neither url nor path")
	}
}

func (r *Resolver) resolveURL(ctx context.Context, raw string) (string, error) {
	if r.baseURL != "" && strings.HasPrefix(raw, r.baseURL+"/") {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", publisher.Validation("media_url", fmt.Sprintf("unsupported media url %q", raw))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.probe(ctx, http.MethodHead, raw)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		_ = resp.Body.Close()
		resp, err = r.probe(ctx, http.MethodGet, raw)
	}
	if err != nil {
		return "", publisher.Transient("media_unreachable", fmt.Sprintf("probe %s failed", raw)).Wrap(err)
	}
	defer resp.Body.Close()

	if err := statusError(raw, resp.StatusCode); err != nil {
		return "", err
	}

	if resp.ContentLength > r.maxBytes {
		return "", publisher.Validation("media_too_large", fmt.Sprintf("media at %s is %s, limit is %s",
			raw, humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(r.maxBytes))))
	}

	if !isHTML(resp.Header.Get("Content-Type")) {
		return raw, nil
	}

	// A page link: publish the image the page advertises.
	page := resp
	if resp.Request.Method != http.MethodGet {
		page, err = r.probe(ctx, http.MethodGet, raw)
		if err != nil {
			return "", publisher.Transient("media_unreachable", fmt.Sprintf("fetch %s failed", raw)).Wrap(err)
		}
		defer page.Body.Close()
		if err := statusError(raw, page.StatusCode); err != nil {
			return "", err
		}
	}

	image, err := extractPreviewImage(io.LimitReader(page.Body, maxPageBytes), u)
	if err != nil {
		return "", err
	}
	logrus.Debugf("[MEDIA] Resolved page %s to preview image %s", raw, image)
	return image, nil
}

func (r *Resolver) probe(ctx context.Context, method, raw string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, raw, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "az-publish/1.0 (+media-probe)")
	return r.client.Do(req)
}

func statusError(raw string, status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return publisher.Validation("media_not_found", fmt.Sprintf("media %s returned %d", raw, status))
	case status == http.StatusTooManyRequests || status >= 500:
		return publisher.Transient("media_unavailable", fmt.Sprintf("media %s returned %d", raw, status))
	case status >= 400:
		return publisher.Validation("media_rejected", fmt.Sprintf("media %s returned %d", raw, status))
	}
	return nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mediaType == "text/html" || mediaType == "application/xhtml+xml")
}

func extractPreviewImage(body io.Reader, pageURL *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", publisher.Validation("media_page", "media page is not parseable html").Wrap(err)
	}

	selectors := []string{
		`meta[property="og:image:secure_url"]`,
		`meta[property="og:image"]`,
		`meta[name="twitter:image"]`,
		`meta[property="twitter:image"]`,
	}
	for _, sel := range selectors {
		val, ok := doc.Find(sel).First().Attr("content")
		val = strings.TrimSpace(val)
		if !ok || val == "" {
			continue
		}
		ref, err := url.Parse(val)
		if err != nil {
			continue
		}
		return pageURL.ResolveReference(ref).String(), nil
	}
	return "", publisher.Validation("media_page", fmt.Sprintf("page %s has no preview image", pageURL.String()))
}

func (r *Resolver) resolvePath(ctx context.Context, ref content.MediaRef) (string, error) {
	if r.store == nil {
		return "", publisher.Validation("media_store", "local media paths need a media store")
	}

	clean := filepath.Clean("/" + ref.Path)
	full := filepath.Join(r.uploadDir, clean)

	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", publisher.Validation("media_not_found", fmt.Sprintf("upload %s does not exist", ref.Path))
		}
		return "", publisher.Transient("media_io", "stat upload").Wrap(err)
	}
	if info.IsDir() {
		return "", publisher.Validation("media_path", fmt.Sprintf("upload %s is a directory", ref.Path))
	}
	if info.Size() > r.maxBytes {
		return "", publisher.Validation("media_too_large", fmt.Sprintf("upload %s is %s, limit is %s",
			ref.Path, humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(r.maxBytes))))
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", publisher.Transient("media_io", "read upload").Wrap(err)
	}

	contentType := ref.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	stored, err := r.store.Store(ctx, data, contentType)
	if err != nil {
		return "", publisher.Transient("media_store", "store upload").Wrap(err)
	}
	return stored, nil
}
