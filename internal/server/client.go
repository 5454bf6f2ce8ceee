package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"datastore/pkg/domain"
)

// ClientConfig configures the datastore side of the application server API.
type ClientConfig struct {
	URL      string        `mapstructure:"url"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache-ttl"`
}

// DefaultClientConfig talks to a local server.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:      "http://localhost:8888",
		Timeout:  30 * time.Second,
		CacheTTL: 10 * time.Minute,
	}
}

const (
	cacheKeyInstance = "home-instance"
	cacheKeyTypes    = "data-set-types"
)

// Client implements domain.RegistrationService over HTTP.
type Client struct {
	base  *url.URL
	http  *http.Client
	auth  *authenticator
	cache *cache.Cache
}

var _ domain.RegistrationService = (*Client)(nil)

// NewClient validates cfg and returns a client that logs in lazily.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, domain.ConfigurationError.New("invalid application server url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientConfig().Timeout
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultClientConfig().CacheTTL
	}
	c := &Client{
		base:  base,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: cache.New(ttl, 2*ttl),
	}
	c.auth = &authenticator{login: func(ctx context.Context) (string, error) {
		var resp loginResponse
		if err := c.call(ctx, http.MethodPost, "/api/v1/sessions", "", nil, loginRequest{User: cfg.User, Password: cfg.Password}, &resp); err != nil {
			return "", err
		}
		return resp.Token, nil
	}}
	return c, nil
}

// statusError is a non-2xx answer from the server.
type statusError struct {
	Status int
	Body   ErrorBody
}

func (e *statusError) Error() string {
	return fmt.Sprintf("application server answered %d: %s", e.Status, e.Body.Error)
}

func (e *statusError) Unwrap() error {
	if e.Body.Code == CodeInvalidSession {
		return domain.ErrInvalidSession
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path, token string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.RemoteError.New("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&se.Body); err != nil {
			se.Body.Error = http.StatusText(resp.StatusCode)
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.RemoteError.New("decode %s response: %v", path, err)
	}
	return nil
}

// authed runs an authenticated call and classifies failures as remote.
func (c *Client) authed(ctx context.Context, method, path string, query url.Values, in, out any) error {
	return remoteError(c.auth.do(ctx, func(token string) error {
		return c.call(ctx, method, path, token, query, in, out)
	}))
}

func (c *Client) CreateDataSetCode(ctx context.Context) (string, error) {
	var resp codeResponse
	if err := c.authed(ctx, http.MethodPost, "/api/v1/data-set-codes", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

// HomeDatabaseInstance is cached; it never changes for a running server.
func (c *Client) HomeDatabaseInstance(ctx context.Context) (domain.DatabaseInstance, error) {
	if v, ok := c.cache.Get(cacheKeyInstance); ok {
		return v.(domain.DatabaseInstance), nil
	}
	var inst domain.DatabaseInstance
	if err := c.authed(ctx, http.MethodGet, "/api/v1/instance", nil, nil, &inst); err != nil {
		return domain.DatabaseInstance{}, err
	}
	c.cache.SetDefault(cacheKeyInstance, inst)
	return inst, nil
}

// DataSetTypes lists the registered dataset types, cached.
func (c *Client) DataSetTypes(ctx context.Context) ([]domain.DataSetTypeInfo, error) {
	if v, ok := c.cache.Get(cacheKeyTypes); ok {
		return v.([]domain.DataSetTypeInfo), nil
	}
	var resp struct {
		Types []domain.DataSetTypeInfo `json:"data_set_types"`
	}
	if err := c.authed(ctx, http.MethodGet, "/api/v1/data-set-types", nil, nil, &resp); err != nil {
		return nil, err
	}
	c.cache.SetDefault(cacheKeyTypes, resp.Types)
	return resp.Types, nil
}

func (c *Client) TryGetSample(ctx context.Context, id domain.SampleIdentifier) (domain.Sample, bool, error) {
	var sample domain.Sample
	err := c.authed(ctx, http.MethodGet, "/api/v1/samples", url.Values{"id": {id.String()}}, nil, &sample)
	if isNotFound(err) {
		return domain.Sample{}, false, nil
	}
	if err != nil {
		return domain.Sample{}, false, err
	}
	return sample, true, nil
}

func (c *Client) TryGetExperiment(ctx context.Context, id domain.ExperimentIdentifier) (domain.Experiment, bool, error) {
	var exp domain.Experiment
	err := c.authed(ctx, http.MethodGet, "/api/v1/experiments", url.Values{"id": {id.String()}}, nil, &exp)
	if isNotFound(err) {
		return domain.Experiment{}, false, nil
	}
	if err != nil {
		return domain.Experiment{}, false, err
	}
	return exp, true, nil
}

func (c *Client) RegisterDataSet(ctx context.Context, data domain.NewExternalData) error {
	err := c.authed(ctx, http.MethodPost, "/api/v1/data-sets", nil, data, nil)
	if err == nil {
		c.cache.Delete(cacheKeyTypes)
	}
	return err
}

func (c *Client) DeleteDataSet(ctx context.Context, code, reason string) error {
	return c.authed(ctx, http.MethodDelete, "/api/v1/data-sets/"+url.PathEscape(code), url.Values{"reason": {reason}}, nil, nil)
}

// DataSetLocations queries the location index.
func (c *Client) DataSetLocations(ctx context.Context, dataSetType string) ([]domain.DataSetLocation, error) {
	var resp struct {
		Locations []domain.DataSetLocation `json:"locations"`
	}
	q := url.Values{}
	if dataSetType != "" {
		q.Set("type", dataSetType)
	}
	if err := c.authed(ctx, http.MethodGet, "/api/v1/data-sets/locations", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

// Logout ends the current session, if any.
func (c *Client) Logout(ctx context.Context) error {
	c.auth.mu.Lock()
	token := c.auth.token
	c.auth.token = ""
	c.auth.mu.Unlock()
	if token == "" {
		return nil
	}
	return c.call(ctx, http.MethodDelete, "/api/v1/sessions", token, nil, nil, nil)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound && se.Body.Code == CodeNotFound
}
