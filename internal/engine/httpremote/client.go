// Package httpremote implements engine.Remote against a FruitSalade server's
// REST API.
package httpremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/logging"
	"github.com/fruitsalade/fileprovider/internal/retry"
)

// ErrTokenExpired is returned without contacting the server once the
// account's bearer token has expired.
var ErrTokenExpired = errors.New("auth token expired")

// StatusError is a non-success response the client does not retry.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Code)
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration // per request, excluding content transfers
	Retry     retry.Config
	RateLimit float64 // requests per second, 0 for unlimited
	Burst     int
}

// Client talks to one server for one account.
type Client struct {
	baseURL  string
	token    string
	expires  time.Time
	timeout  time.Duration
	http     *http.Client
	retryCfg retry.Config
	limiter  *rate.Limiter
}

type fileNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Size     int64       `json:"size"`
	ModTime  time.Time   `json:"mtime"`
	IsDir    bool        `json:"is_dir"`
	Hash     string      `json:"hash,omitempty"`
	Children []*fileNode `json:"children,omitempty"`
}

type treeResponse struct {
	Root *fileNode `json:"root"`
}

type uploadResponse struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Hash    string `json:"hash"`
	Version int    `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a client. A JWT token has its expiry read, without
// verification, so expired credentials fail fast.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("httpremote: base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 8
	}

	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryCfg: cfg.Retry,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
	}

	if cfg.Token != "" {
		expires, err := tokenExpiry(cfg.Token)
		if err != nil {
			logging.Debug("auth token is not a JWT, expiry unknown", zap.String("server", c.baseURL))
		}
		c.expires = expires
	}
	return c, nil
}

func tokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// apiPath builds an API URL for remotePath below prefix, escaping each segment.
func (c *Client) apiPath(prefix, remotePath string) string {
	var segs []string
	for _, s := range strings.Split(remotePath, "/") {
		if s != "" {
			segs = append(segs, url.PathEscape(s))
		}
	}
	if len(segs) == 0 {
		return c.baseURL + prefix
	}
	return c.baseURL + prefix + "/" + strings.Join(segs, "/")
}

// send performs one request. Connection failures, 429 and 5xx responses are
// transient; 404 maps to engine.ErrNotFound. The caller closes the body of a
// successful response.
func (c *Client) send(ctx context.Context, method, target string, body io.Reader, size int64, header http.Header) (*http.Response, error) {
	if !c.expires.IsZero() && time.Now().After(c.expires) {
		return nil, ErrTokenExpired
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = size
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	statusErr := &StatusError{Method: method, Path: req.URL.Path, Code: resp.StatusCode}
	var errResp errorResponse
	if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errResp) == nil {
		statusErr.Message = errResp.Error
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retry.Transient(statusErr)
	default:
		return nil, statusErr
	}
}

func (c *Client) tree(ctx context.Context, remotePath string) (*fileNode, error) {
	return retry.Do(ctx, c.retryCfg, func(ctx context.Context) (*fileNode, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.send(ctx, http.MethodGet, c.apiPath("/api/v1/tree", remotePath), nil, 0, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var tr treeResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, retry.Transient(fmt.Errorf("decode tree: %w", err))
		}
		if tr.Root == nil {
			return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, remotePath)
		}
		return tr.Root, nil
	})
}

// ListChildren implements engine.Remote.
func (c *Client) ListChildren(ctx context.Context, remotePath string) ([]engine.Entry, error) {
	node, err := c.tree(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if !node.IsDir {
		return nil, fmt.Errorf("list %s: not a directory", remotePath)
	}

	entries := make([]engine.Entry, 0, len(node.Children))
	for _, child := range node.Children {
		entries = append(entries, toEntry(child))
	}
	return entries, nil
}

// Stat implements engine.Remote.
func (c *Client) Stat(ctx context.Context, remotePath string) (engine.Entry, error) {
	node, err := c.tree(ctx, remotePath)
	if err != nil {
		return engine.Entry{}, err
	}
	return toEntry(node), nil
}

// Download implements engine.Remote. Content is written to a temporary file
// next to localPath and renamed into place once complete.
func (c *Client) Download(ctx context.Context, remotePath, localPath string, progress *engine.Progress) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("create local dir: %w", err)
	}

	return retry.Run(ctx, c.retryCfg, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodGet, c.apiPath("/api/v1/content", remotePath), nil, 0, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.ContentLength > 0 {
			progress.SetTotal(resp.ContentLength)
		}

		tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		defer os.Remove(tmp.Name())

		n, err := io.Copy(progress.Writer(tmp), resp.Body)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			if errors.Is(err, engine.ErrCancelled) || ctx.Err() != nil {
				return err
			}
			// Partial bytes already counted are rolled back for the next attempt.
			progress.Add(-n)
			return retry.Transient(fmt.Errorf("read content: %w", err))
		}

		if err := os.Rename(tmp.Name(), localPath); err != nil {
			return fmt.Errorf("move into place: %w", err)
		}
		return nil
	})
}

// Upload implements engine.Remote.
func (c *Client) Upload(ctx context.Context, remotePath, localPath string, progress *engine.Progress) (engine.UploadResult, error) {
	return retry.Do(ctx, c.retryCfg, func(ctx context.Context) (engine.UploadResult, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return engine.UploadResult{}, fmt.Errorf("open source: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return engine.UploadResult{}, fmt.Errorf("stat source: %w", err)
		}
		progress.SetTotal(info.Size())
		start := progress.Completed()

		header := http.Header{"Content-Type": []string{"application/octet-stream"}}
		resp, err := c.send(ctx, http.MethodPost, c.apiPath("/api/v1/content", remotePath), progress.Reader(f), info.Size(), header)
		if err != nil {
			progress.Add(start - progress.Completed())
			return engine.UploadResult{}, err
		}
		defer resp.Body.Close()

		var ur uploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
			return engine.UploadResult{}, fmt.Errorf("decode upload response: %w", err)
		}

		version := ur.Hash
		if version == "" {
			version = strconv.Itoa(ur.Version)
		}
		return engine.UploadResult{Version: version, Size: ur.Size, ModifiedAt: time.Now().UTC()}, nil
	})
}

// Delete implements engine.Remote.
func (c *Client) Delete(ctx context.Context, remotePath string) error {
	return c.simple(ctx, http.MethodDelete, c.apiPath("/api/v1/tree", remotePath))
}

// CreateDirectory implements engine.Remote.
func (c *Client) CreateDirectory(ctx context.Context, remotePath string) error {
	return c.simple(ctx, http.MethodPut, c.apiPath("/api/v1/tree", remotePath)+"?type=dir")
}

func (c *Client) simple(ctx context.Context, method, target string) error {
	return retry.Run(ctx, c.retryCfg, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.send(ctx, method, target, nil, 0, nil)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		return resp.Body.Close()
	})
}

func toEntry(n *fileNode) engine.Entry {
	version := n.Hash
	if version == "" && !n.IsDir {
		version = fmt.Sprintf("%d-%d", n.ModTime.UnixNano(), n.Size)
	}
	return engine.Entry{
		Name:        n.Name,
		IsContainer: n.IsDir,
		Size:        n.Size,
		Version:     version,
		CreatedAt:   n.ModTime,
		ModifiedAt:  n.ModTime,
	}
}
