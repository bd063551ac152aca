// Package probe decides whether a freshly launched workload container is
// answering HTTP.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"pkt.systems/pslog"
)

// Config bounds the readiness probe.
type Config struct {
	Host           string
	Path           string
	Task           string
	Attempts       int
	Backoff        time.Duration
	RequestTimeout time.Duration
	Timeout        time.Duration
}

// Target is the published port of one container.
type Target struct {
	Port int
}

// Result summarizes one AwaitReady call.
type Result struct {
	Ready      bool
	Attempts   int
	StatusCode int
	Elapsed    time.Duration
	// LastErr is the final transport error when not ready.
	LastErr error
}

// Prober issues readiness requests.
type Prober struct {
	cfg Config
}

// New validates cfg and returns a prober.
func New(cfg Config) (*Prober, error) {
	if cfg.Attempts <= 0 {
		return nil, errors.New("probe attempts must be positive")
	}
	if cfg.RequestTimeout <= 0 || cfg.Timeout <= 0 {
		return nil, errors.New("probe timeouts must be positive")
	}
	if cfg.Backoff < 0 {
		return nil, errors.New("probe backoff must not be negative")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &Prober{cfg: cfg}, nil
}

// URL returns the request URL for a target.
func (p *Prober) URL(target Target) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.cfg.Host, strconv.Itoa(target.Port)),
		Path:   p.cfg.Path,
	}
	if p.cfg.Task != "" {
		u.RawQuery = url.Values{"task": []string{p.cfg.Task}}.Encode()
	}
	return u.String()
}

// AwaitReady posts to the target until any HTTP response arrives, the attempt
// budget is spent, or the overall timeout passes. Connection failures and
// per-request timeouts are retried after a fixed backoff. The returned error is
// non-nil only when ctx itself ends.
func (p *Prober) AwaitReady(ctx context.Context, target Target) (Result, error) {
	log := pslog.Ctx(ctx).With("port", target.Port)
	started := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var attempts atomic.Int32
	client := p.newClient(log, &attempts)
	req, err := retryablehttp.NewRequestWithContext(probeCtx, http.MethodPost, p.URL(target), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build probe request: %w", err)
	}
	log.Info("probe start", "url", req.URL.String(), "attempts", p.cfg.Attempts)
	res, err := client.Do(req)
	result := Result{Attempts: int(attempts.Load()), Elapsed: time.Since(started)}
	if err == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
		result.Ready = true
		result.StatusCode = res.StatusCode
		log.Info("probe ok", "status", res.StatusCode, "attempt", result.Attempts, "duration_ms", result.Elapsed.Milliseconds())
		return result, nil
	}
	if ctx.Err() != nil {
		log.Warn("probe cancelled", "attempt", result.Attempts)
		return result, ctx.Err()
	}
	result.LastErr = err
	log.Warn("probe failed", "attempt", result.Attempts, "duration_ms", result.Elapsed.Milliseconds(), "err", err)
	return result, nil
}

func (p *Prober) newClient(log pslog.Logger, attempts *atomic.Int32) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Timeout:   p.cfg.RequestTimeout,
		Transport: &http.Transport{DisableKeepAlives: true, Proxy: nil},
	}
	client.Logger = retryLogger{log: log}
	client.RetryMax = p.cfg.Attempts - 1
	client.RetryWaitMin = p.cfg.Backoff
	client.RetryWaitMax = p.cfg.Backoff
	client.Backoff = func(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return min
	}
	client.CheckRetry = func(ctx context.Context, _ *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Any response at all means the server is up.
		return err != nil, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, n int) {
		attempts.Store(int32(n + 1))
	}
	return client
}

// retryLogger routes retry chatter to debug level; failed attempts are the
// expected case while a container boots.
type retryLogger struct {
	log pslog.Logger
}

func (l retryLogger) Error(msg string, kv ...any) { l.log.Debug("probe "+msg, kv...) }
func (l retryLogger) Info(msg string, kv ...any)  { l.log.Debug("probe "+msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...any) { l.log.Debug("probe "+msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...any)  { l.log.Debug("probe "+msg, kv...) }
