package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Version is the library version reported in the User-Agent header.
const Version = "1.0.0"

// DefaultBaseURL is the production geocoding endpoint. Both forward and
// reverse lookups go through the same endpoint; reverse queries encode the
// coordinate pair as the q parameter.
const DefaultBaseURL = "https://api.meridianmaps.io/geocode/v1/json"

const defaultTimeout = 30 * time.Second

// ErrMissingAPIKey is returned by NewClient when no key is supplied.
var ErrMissingAPIKey = errors.New("geocode: API key is required")

// HTTPClient defines the interface for making HTTP requests.
// This allows for easy mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Querier is the operation surface the batch pipeline consumes: a forward
// lookup by free-text query and a reverse lookup by a pre-formatted
// "lat,lng" query.
type Querier interface {
	Geocode(ctx context.Context, query string, params *Params) (*Response, error)
	Reverse(ctx context.Context, query string, params *Params) (*Response, error)
}

// Params hold the optional per-request query parameters.
type Params struct {
	Limit         int               // Maximum number of results; 0 leaves the API default.
	NoAnnotations bool              // Ask the API to skip the annotations block.
	Extra         map[string]string // Additional raw query parameters, sent verbatim.
}

// Client talks to the geocoding API over HTTP.
type Client struct {
	client    HTTPClient    // HTTP client for making requests
	baseURL   string        // Endpoint for forward and reverse lookups
	apiKey    string        // API key sent with every request
	userAgent string        // User-Agent header value
	limiter   *rate.Limiter // Optional client-side request rate limiter
	timeout   time.Duration // HTTP timeout, applied after all options run
	log       *slog.Logger  // Logger for request-level diagnostics
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Useful for testing with mocked
// transports or for callers that manage their own timeouts.
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the HTTP timeout. It applies after all options run, so
// it combines with WithHTTPClient in either order; it has no effect when
// the supplied client is not an *http.Client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithRateLimit sets a client-side requests-per-second cap shared by all
// calls made through this client.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithUserAgentComment appends a caller-supplied comment to the standard
// User-Agent string, e.g. an application name and contact address.
func WithUserAgentComment(comment string) Option {
	return func(c *Client) {
		c.userAgent = userAgent(comment)
	}
}

// NewClient creates a geocoding API client with the given key and options.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	c := &Client{
		client:    &http.Client{Timeout: defaultTimeout},
		baseURL:   DefaultBaseURL,
		apiKey:    apiKey,
		userAgent: userAgent(""),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.timeout > 0 {
		if hc, ok := c.client.(*http.Client); ok {
			hc.Timeout = c.timeout
		}
	}

	return c, nil
}

// userAgent builds the User-Agent header value for outgoing requests.
func userAgent(comment string) string {
	agent := "waypoint-go/" + Version
	if comment != "" {
		agent += " (" + comment + ")"
	}
	return agent
}

// Geocode resolves a free-text place description to coordinates.
func (c *Client) Geocode(ctx context.Context, query string, params *Params) (*Response, error) {
	if query == "" {
		return nil, NewError(KindInvalidInput, "empty query")
	}
	return c.do(ctx, query, params)
}

// ReverseGeocode resolves a coordinate pair to a place description.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lng float64, params *Params) (*Response, error) {
	return c.do(ctx, FormatReverseQuery(lat, lng), params)
}

// Reverse performs a reverse lookup with a pre-formatted "lat,lng" query,
// as produced by FormatReverseQuery or JoinReverseQuery.
func (c *Client) Reverse(ctx context.Context, query string, params *Params) (*Response, error) {
	if query == "" {
		return nil, NewError(KindInvalidInput, "empty query")
	}
	return c.do(ctx, query, params)
}

// do executes one lookup: rate-limit admission, URL building, the HTTP
// round trip, and status/body decoding into either a Response or a
// classified error.
func (c *Client) do(ctx context.Context, query string, params *Params) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	reqURL, err := c.buildURL(query, params)
	if err != nil {
		return nil, err
	}

	c.log.DebugContext(ctx, "Geocoding request", "query", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to execute geocoding request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromReply(ctx, resp.StatusCode, body)
	}

	var decoded Response
	if err = json.Unmarshal(body, &decoded); err != nil {
		c.log.ErrorContext(ctx, "Failed to parse geocoding response", "error", err)
		return nil, &APIError{Kind: KindBadResponse, Message: "malformed response body", Err: err}
	}

	return &decoded, nil
}

// buildURL assembles the request URL with the key, query, and options.
func (c *Client) buildURL(query string, params *Params) (string, error) {
	reqURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL: %w", err)
	}

	values := reqURL.Query()
	values.Set("key", c.apiKey)
	values.Set("q", query)
	if params != nil {
		if params.Limit > 0 {
			values.Set("limit", strconv.Itoa(params.Limit))
		}
		if params.NoAnnotations {
			values.Set("no_annotations", "1")
		}
		for k, v := range params.Extra {
			values.Set(k, v)
		}
	}
	reqURL.RawQuery = values.Encode()

	return reqURL.String(), nil
}

// errorFromReply maps a non-OK reply onto the taxonomy, pulling the status
// message and rate allowance out of the body when it decodes.
func (c *Client) errorFromReply(ctx context.Context, status int, body []byte) *APIError {
	apiErr := &APIError{
		Kind:    kindFromStatus(status),
		Message: http.StatusText(status),
		Status:  status,
	}

	var decoded Response
	if err := json.Unmarshal(body, &decoded); err == nil {
		if decoded.Status.Message != "" {
			apiErr.Message = decoded.Status.Message
		}
		apiErr.RateLimit = decoded.Rate
	}

	c.log.DebugContext(ctx, "Geocoding API error reply",
		"status", status, "kind", apiErr.Kind.String(), "message", apiErr.Message)

	return apiErr
}
