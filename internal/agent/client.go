package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/homesyncd/homesync/internal/reconcile"
	"github.com/homesyncd/homesync/internal/wire"
)

// ErrAuthFailed reports a rejected or expired session token. The caller
// is expected to log in again and retry once.
var ErrAuthFailed = errors.New("authentication failed")

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

// Client talks the synchronization API on behalf of one account. It is
// safe for concurrent use; the token is guarded.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewClient returns a client for the server at opts.BaseURL.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		username:   opts.Username,
		password:   opts.Password,
		httpClient: httpClient,
	}
}

// Login authenticates and stores the session token.
func (c *Client) Login(ctx context.Context) error {
	var resp wire.DataResponse
	err := c.doJSON(ctx, http.MethodPost, wire.RouteLogin, wire.CredentialsRequest{
		Username: c.username,
		Password: c.password,
	}, &resp, false)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Data.Token
	c.mu.Unlock()
	return nil
}

// Register creates the account. An existing account is not an error for
// the agent, which registers on first run.
func (c *Client) Register(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, wire.RouteRegister, wire.CredentialsRequest{
		Username: c.username,
		Password: c.password,
	}, nil, false)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// Logout ends the session server-side and drops the token.
func (c *Client) Logout(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, wire.RouteLogout, nil, nil, true)
	c.InvalidateToken()
	if errors.Is(err, ErrAuthFailed) {
		return nil
	}
	return err
}

// InvalidateToken forgets the session token without a round trip.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// SyncManifest posts the manifest and returns the planned operations.
func (c *Client) SyncManifest(ctx context.Context, items []reconcile.ClientItem) ([]reconcile.Operation, error) {
	if items == nil {
		items = []reconcile.ClientItem{}
	}
	var resp wire.ManifestResponse
	err := c.doJSON(ctx, http.MethodPost, wire.RouteSyncManifest, wire.ManifestRequest{ClientFiles: items}, &resp, true)
	if err != nil {
		return nil, err
	}
	return resp.SyncOperations, nil
}

// Upload streams the file at localPath to rel on the server, carrying
// the local modification time so both sides agree on it.
func (c *Client) Upload(ctx context.Context, rel, localPath string, lastModified int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	pipeReader, pipeWriter := io.Pipe()
	form := multipart.NewWriter(pipeWriter)
	go func() {
		part, err := form.CreateFormFile("file", rel)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		_ = pipeWriter.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+wire.APIPrefix+wire.RouteUpload, pipeReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set(wire.HeaderRelativePath, rel)
	if lastModified > 0 {
		req.Header.Set(wire.HeaderLastModified, strconv.FormatInt(lastModified, 10))
	}
	req.Header.Set(wire.HeaderAuthToken, c.currentToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp)
}

// Download fetches rel into a reader. The returned checksum comes from
// the server's response header.
func (c *Client) Download(ctx context.Context, rel string) (io.ReadCloser, string, error) {
	endpoint := c.baseURL + wire.APIPrefix + wire.RouteDownload + "?path=" + url.QueryEscape(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set(wire.HeaderAuthToken, c.currentToken())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	if err := c.checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, "", err
	}
	return resp.Body, resp.Header.Get(wire.HeaderChecksum), nil
}

// Mkdir creates rel as a directory on the server.
func (c *Client) Mkdir(ctx context.Context, rel string) error {
	return c.doJSON(ctx, http.MethodPost, wire.RouteMkdir, wire.MkdirRequest{Path: rel}, nil, true)
}

// Delete removes rel on the server.
func (c *Client) Delete(ctx context.Context, rel string) error {
	return c.doJSON(ctx, http.MethodDelete, wire.RouteDelete+"?path="+url.QueryEscape(rel), nil, nil, true)
}

// Rename moves oldRel to newRel on the server.
func (c *Client) Rename(ctx context.Context, oldRel, newRel string) error {
	return c.doJSON(ctx, http.MethodPost, wire.RouteRename, wire.RenameRequest{OldPath: oldRel, NewPath: newRel}, nil, true)
}

// APIError is a non-2xx response with its decoded message.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) doJSON(ctx context.Context, method, route string, payload, out any, authenticated bool) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+wire.APIPrefix+route, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		req.Header.Set(wire.HeaderAuthToken, c.currentToken())
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	message := ""
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil {
		var status wire.StatusResponse
		if json.Unmarshal(raw, &status) == nil && status.Message != "" {
			message = status.Message
		} else {
			message = strings.TrimSpace(string(raw))
		}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrAuthFailed, message)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
