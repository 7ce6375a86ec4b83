package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/time/rate"

	"github.com/steveyegge/sandboxd/internal/types"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultPollInterval   = time.Second
	logReadBufferSize     = 4096
)

// HTTPConfig configures the REST client.
type HTTPConfig struct {
	// APIURL is the provider's base URL, e.g. https://app.daytona.io/api
	APIURL string
	APIKey string
	// Target is the region the provider places new sandboxes in
	Target string
	// RequestTimeout bounds every non-streaming request
	RequestTimeout time.Duration
	// RateLimit is the sustained requests per second; zero disables limiting
	RateLimit float64
	Burst     int
	// PollInterval is how often Start and Stop re-check state
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// HTTPClient talks to a Daytona-style sandbox REST API.
type HTTPClient struct {
	cfg     HTTPConfig
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("provider API URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider API key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.APIURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid provider API URL: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client-level timeout: log streams stay open for the whole turn.
		httpClient = &http.Client{}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &HTTPClient{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		limiter: limiter,
		log:     logger.With("component", "provider"),
	}, nil
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Is maps provider responses onto the package sentinels.
func (e *APIError) Is(target error) bool {
	msg := strings.ToLower(e.Message)
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound && !strings.Contains(e.Path, "/process/session")
	case ErrSessionNotFound:
		return e.StatusCode == http.StatusNotFound && strings.Contains(e.Path, "/process/session")
	case ErrUnreachable:
		if e.StatusCode == http.StatusBadGateway || e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusGatewayTimeout {
			return true
		}
		return strings.Contains(msg, "not running") || strings.Contains(msg, "is not started") || strings.Contains(msg, "no ip address found")
	}
	return false
}

type apiSandbox struct {
	ID     string            `json:"id"`
	State  string            `json:"state"`
	Labels map[string]string `json:"labels,omitempty"`
}

type createSandboxRequest struct {
	Name             string            `json:"name,omitempty"`
	Image            string            `json:"image,omitempty"`
	Target           string            `json:"target,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Public           bool              `json:"public"`
	AutoStopInterval int               `json:"autoStopInterval,omitempty"`
}

// Create provisions a sandbox.
func (c *HTTPClient) Create(ctx context.Context, params CreateParams) (string, error) {
	req := createSandboxRequest{
		Name:             params.Name,
		Image:            params.Image,
		Target:           c.cfg.Target,
		Labels:           params.Labels,
		Env:              params.Env,
		Public:           params.Public,
		AutoStopInterval: params.AutoStopMinutes,
	}
	var out apiSandbox
	if err := c.call(ctx, http.MethodPost, "/sandbox", req, &out); err != nil {
		return "", fmt.Errorf("failed to create sandbox: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("failed to create sandbox: provider returned no id")
	}
	c.log.Info("sandbox created", "sandbox_id", out.ID, "state", out.State)
	return out.ID, nil
}

// List returns all sandboxes.
func (c *HTTPClient) List(ctx context.Context) ([]Sandbox, error) {
	var out []apiSandbox
	if err := c.call(ctx, http.MethodGet, "/sandbox", nil, &out); err != nil {
		return nil, err
	}
	sandboxes := make([]Sandbox, 0, len(out))
	for _, s := range out {
		sandboxes = append(sandboxes, &httpSandbox{client: c, id: s.ID})
	}
	return sandboxes, nil
}

// Get finds a sandbox in the listing.
func (c *HTTPClient) Get(ctx context.Context, id string) (Sandbox, error) {
	return FindInList(ctx, c, id)
}

// call performs a JSON request bounded by the request timeout.
func (c *HTTPClient) call(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode provider response for %s %s: %w", method, path, err)
	}
	return nil
}

// send issues the request and returns the response when it is 2xx.
func (c *HTTPClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}
	return resp, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// mapState folds the provider's state names into ProviderState.
func mapState(s string) types.ProviderState {
	switch strings.ToLower(s) {
	case "started":
		return types.ProviderStateStarted
	case "stopped", "stopping", "archived", "archiving":
		return types.ProviderStateStopped
	case "creating", "starting", "restoring", "pending_build", "building_snapshot", "pulling_snapshot", "unknown":
		return types.ProviderStateCreating
	case "destroyed", "destroying":
		return types.ProviderStateNotFound
	default:
		return types.ProviderStateError
	}
}

type httpSandbox struct {
	client *HTTPClient
	id     string
}

func (s *httpSandbox) ID() string { return s.id }

func (s *httpSandbox) Process() Process { return (*httpProcess)(s) }

func (s *httpSandbox) path(format string, args ...any) string {
	return "/sandbox/" + url.PathEscape(s.id) + fmt.Sprintf(format, args...)
}

func (s *httpSandbox) toolbox(format string, args ...any) string {
	return "/toolbox/" + url.PathEscape(s.id) + "/toolbox" + fmt.Sprintf(format, args...)
}

func (s *httpSandbox) Start(ctx context.Context, timeout time.Duration) error {
	return s.transition(ctx, "/start", types.ProviderStateStarted, timeout)
}

func (s *httpSandbox) Stop(ctx context.Context, timeout time.Duration) error {
	return s.transition(ctx, "/stop", types.ProviderStateStopped, timeout)
}

// transition issues an action and polls until the sandbox reaches want.
func (s *httpSandbox) transition(ctx context.Context, action string, want types.ProviderState, timeout time.Duration) error {
	state, err := s.RefreshState(ctx)
	if err != nil {
		return err
	}
	if state == want {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.client.call(ctx, http.MethodPost, s.path("%s", action), nil, nil); err != nil {
		return fmt.Errorf("failed to %s sandbox %s: %w", strings.TrimPrefix(action, "/"), s.id, err)
	}

	ticker := time.NewTicker(s.client.cfg.PollInterval)
	defer ticker.Stop()
	for {
		state, err := s.RefreshState(ctx)
		if err != nil {
			return err
		}
		switch state {
		case want:
			return nil
		case types.ProviderStateError:
			return fmt.Errorf("sandbox %s entered error state while waiting for %s", s.id, want)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for sandbox %s to reach %s: %w", s.id, want, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *httpSandbox) RefreshState(ctx context.Context) (types.ProviderState, error) {
	var out apiSandbox
	if err := s.client.call(ctx, http.MethodGet, s.path(""), nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.ProviderStateNotFound, nil
		}
		return types.ProviderStateError, err
	}
	return mapState(out.State), nil
}

func (s *httpSandbox) UserRootDir(ctx context.Context) (string, error) {
	var out struct {
		Dir string `json:"dir"`
	}
	if err := s.client.call(ctx, http.MethodGet, s.toolbox("/project-dir"), nil, &out); err != nil {
		return "", fmt.Errorf("failed to get root dir of sandbox %s: %w", s.id, err)
	}
	return out.Dir, nil
}

func (s *httpSandbox) PreviewLink(ctx context.Context, port int) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := s.client.call(ctx, http.MethodGet, s.path("/ports/%d/preview-url", port), nil, &out); err != nil {
		return "", fmt.Errorf("failed to get preview link for sandbox %s: %w", s.id, err)
	}
	return out.URL, nil
}

type httpProcess httpSandbox

func (p *httpProcess) sandbox() *httpSandbox { return (*httpSandbox)(p) }

func (p *httpProcess) ExecuteCommand(ctx context.Context, cmd, cwd string, env map[string]string, timeout time.Duration) (ExecResult, error) {
	req := struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd,omitempty"`
		Timeout int    `json:"timeout,omitempty"`
	}{
		Command: wrapWithEnv(cmd, env),
		Cwd:     cwd,
		Timeout: int(timeout / time.Second),
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+5*time.Second)
		defer cancel()
	}
	var out struct {
		ExitCode int    `json:"exitCode"`
		Result   string `json:"result"`
	}
	if err := p.sandbox().client.call(ctx, http.MethodPost, p.sandbox().toolbox("/process/execute"), req, &out); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ExitCode: out.ExitCode, Result: out.Result}, nil
}

func (p *httpProcess) CreateSession(ctx context.Context, sessionID string) error {
	req := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}
	return p.sandbox().client.call(ctx, http.MethodPost, p.sandbox().toolbox("/process/session"), req, nil)
}

func (p *httpProcess) ExecuteSessionCommand(ctx context.Context, sessionID string, cmd SessionCommand) (string, error) {
	req := struct {
		Command  string `json:"command"`
		RunAsync bool   `json:"runAsync"`
	}{
		Command:  wrapWithEnv(cmd.Command, cmd.Env),
		RunAsync: cmd.RunAsync,
	}
	var out struct {
		CmdID string `json:"cmdId"`
	}
	path := p.sandbox().toolbox("/process/session/%s/exec", url.PathEscape(sessionID))
	if err := p.sandbox().client.call(ctx, http.MethodPost, path, req, &out); err != nil {
		return "", err
	}
	if out.CmdID == "" {
		return "", fmt.Errorf("provider returned no command id for session %s", sessionID)
	}
	return out.CmdID, nil
}

func (p *httpProcess) SessionCommandLogs(ctx context.Context, sessionID, cmdID string, onChunk func(string)) error {
	path := p.sandbox().toolbox("/process/session/%s/command/%s/logs?follow=true",
		url.PathEscape(sessionID), url.PathEscape(cmdID))
	resp, err := p.sandbox().client.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	buf := make([]byte, logReadBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			onChunk(string(buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read logs for command %s: %w", cmdID, err)
		}
	}
}

func (p *httpProcess) DeleteSession(ctx context.Context, sessionID string) error {
	path := p.sandbox().toolbox("/process/session/%s", url.PathEscape(sessionID))
	return p.sandbox().client.call(ctx, http.MethodDelete, path, nil, nil)
}

// wrapWithEnv prefixes cmd with exported variables, sorted for stable output.
func wrapWithEnv(cmd string, env map[string]string) string {
	if len(env) == 0 {
		return cmd
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellquote.Join(env[k]))
		b.WriteString("; ")
	}
	b.WriteString(cmd)
	return b.String()
}
