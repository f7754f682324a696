// Package api fetches symbol documents and package catalogs from the
// reference server:
//
//	GET {base}/api/ref/{language}/{package}[/{path}]?format=json
//
// The X-Build-Id response header identifies the build that produced the
// payload and is used as the cache invalidation token.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"
)

const (
	HeaderBuildID = "X-Build-Id"

	defaultMaxBody = 32 << 20
)

// Document is a decoded payload and the build that produced it.
// BuildID is "" when the server did not send one.
type Document struct {
	URL     string
	Data    any
	BuildID string
}

// Client is safe for concurrent use. Point HTTP.Transport at a worker to
// route fetches through its response cache.
type Client struct {
	base    string
	http    *http.Client
	maxBody int64
}

type Options struct {
	HTTP        *http.Client // nil => http.DefaultClient
	MaxBodySize int64        // 0 => 32 MiB
}

func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "api: invalid base url %q", baseURL)
	}
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    opts.HTTP,
		maxBody: opts.MaxBodySize,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBody
	}
	return c, nil
}

// Prefix is the URL prefix every reference request starts with.
func (c *Client) Prefix() string { return c.base + "/api/ref/" }

// SymbolURL is the request URL of a symbol document. Dots and slashes in path
// are kept; every segment is escaped.
func (c *Client) SymbolURL(language, pkg, path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.Prefix() + url.PathEscape(language) + "/" + url.PathEscape(pkg) + "/" + strings.Join(segs, "/") + "?format=json"
}

// CatalogURL is the request URL of a package catalog.
func (c *Client) CatalogURL(language, pkg string) string {
	return c.Prefix() + url.PathEscape(language) + "/" + url.PathEscape(pkg) + "?format=json"
}

func (c *Client) Symbol(ctx context.Context, language, pkg, path string) (*Document, error) {
	if language == "" || pkg == "" || path == "" {
		return nil, errors.New(errors.CodeInvalidInput, "api: language, package and path are required")
	}
	return c.Fetch(ctx, c.SymbolURL(language, pkg, path))
}

func (c *Client) Catalog(ctx context.Context, language, pkg string) (*Document, error) {
	if language == "" || pkg == "" {
		return nil, errors.New(errors.CodeInvalidInput, "api: language and package are required")
	}
	return c.Fetch(ctx, c.CatalogURL(language, pkg))
}

// Fetch GETs u and decodes the JSON body.
//
// Errors carry a code: CodeNetwork for transport failures, CodeNotFound for
// 404, CodeUnavailable for 5xx, CodeExecutionFailed for other statuses and
// CodeSchemaFailed for undecodable bodies.
func (c *Client) Fetch(ctx context.Context, u string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "api: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeNetwork, "api: request failed"), "url", u)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, errors.WithContext(statusError(resp.StatusCode), "url", u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetwork, "api: read body")
	}
	if int64(len(body)) > c.maxBody {
		return nil, errors.Newf(errors.CodeSchemaFailed, "api: body exceeds %d bytes", c.maxBody)
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, errors.CodeSchemaFailed, "api: decode body")
	}
	return &Document{URL: u, Data: data, BuildID: resp.Header.Get(HeaderBuildID)}, nil
}

func statusError(status int) error {
	msg := fmt.Sprintf("api: unexpected status %d", status)
	switch {
	case status == http.StatusNotFound:
		return errors.New(errors.CodeNotFound, msg)
	case status == http.StatusTooManyRequests:
		return errors.New(errors.CodeRateLimit, msg)
	case status >= 500:
		return errors.New(errors.CodeUnavailable, msg)
	default:
		return errors.New(errors.CodeExecutionFailed, msg)
	}
}
