package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

// defaultAPIVersion is the compat API prefix used when none is configured.
const defaultAPIVersion = "v4.0.0"

// apiError carries the HTTP status of a failed engine call.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("podman API error (%d): %s", e.status, e.message)
}

// client wraps Podman's HTTP API.
type client struct {
	address    string
	apiVersion string
	baseURL    *url.URL
	http       *http.Client
}

func newClient(address, apiVersion string) (*client, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, errors.New("podman address is required")
	}
	baseURL, transport, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	apiVersion = strings.TrimSpace(apiVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &client{
		address:    addr,
		apiVersion: apiVersion,
		baseURL:    baseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   0,
		},
	}, nil
}

func (c *client) ping(ctx context.Context) error {
	res, err := c.do(ctx, http.MethodGet, "/libpod/info", nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

func parseAddress(addr string) (*url.URL, *http.Transport, error) {
	if strings.HasPrefix(addr, "unix://") {
		socket := strings.TrimPrefix(addr, "unix://")
		if socket == "" {
			return nil, nil, errors.New("podman unix socket path is required")
		}
		transport := &http.Transport{
			DisableCompression: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socket)
			},
		}
		baseURL, _ := url.Parse("http://unix")
		return baseURL, transport, nil
	}
	if strings.HasPrefix(addr, "tcp://") {
		addr = "http://" + strings.TrimPrefix(addr, "tcp://")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	baseURL, err := url.Parse(addr)
	if err != nil {
		return nil, nil, err
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return baseURL, transport, nil
}

func (c *client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if c == nil || c.http == nil || c.baseURL == nil {
		return nil, errors.New("podman client not initialized")
	}
	if query == nil {
		query = url.Values{}
	}
	reqURL := *c.baseURL
	reqURL.Path = path.Join("/", c.apiVersion, strings.TrimPrefix(endpoint, "/"))
	reqURL.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

// getJSON issues a GET and decodes a 2xx body into out.
func (c *client) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	res, err := c.do(ctx, http.MethodGet, endpoint, query, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// postJSON marshals in as the request body. A nil out discards the response.
// Statuses listed in ok (besides 2xx) are treated as success.
func (c *client) postJSON(ctx context.Context, endpoint string, query url.Values, in, out any, ok ...int) (int, error) {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	res, err := c.do(ctx, http.MethodPost, endpoint, query, body, contentType)
	if err != nil {
		return 0, err
	}
	defer func() { _ = res.Body.Close() }()
	for _, code := range ok {
		if res.StatusCode == code {
			return res.StatusCode, nil
		}
	}
	if res.StatusCode >= 300 {
		return res.StatusCode, readAPIError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	return res.StatusCode, json.NewDecoder(res.Body).Decode(out)
}

func readAPIError(res *http.Response) error {
	if res == nil {
		return errors.New("podman API error")
	}
	body, _ := io.ReadAll(res.Body)
	msg := strings.TrimSpace(string(body))
	var decoded struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &decoded) == nil && decoded.Message != "" {
		msg = decoded.Message
	}
	if msg == "" {
		msg = res.Status
	}
	return &apiError{status: res.StatusCode, message: msg}
}

func isStatus(err error, status int) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.status == status
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)
	// An explicit non-socket address is not second-guessed.
	if primary != "" && !strings.HasPrefix(primary, "unix://") {
		return out
	}

	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir != "" {
		add(fmt.Sprintf("unix://%s", path.Join(runtimeDir, "podman", "podman.sock")))
	}
	userRunDir := path.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(fmt.Sprintf("unix://%s", path.Join(userRunDir, "podman", "podman.sock")))
	}
	add("unix:///run/podman/podman.sock")
	return out
}

func escapeImagePath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	escaped := url.PathEscape(value)
	return strings.ReplaceAll(escaped, "%2F", "/")
}
