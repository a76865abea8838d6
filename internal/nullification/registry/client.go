package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"nullifier/internal/nullification/identity"
	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/circuit"
)

// HTTPClient talks to a registry gateway over its HTTP API. It implements
// ports.Registry and ports.WitnessSource.
type HTTPClient struct {
	client  *resty.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(b *circuit.Breaker) ClientOption {
	return func(c *HTTPClient) {
		c.breaker = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout sets the per-request timeout. Zero leaves requests bounded only by the
// caller's context.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.SetTimeout(d)
	}
}

// WithRetries retries transport failures and 5xx responses up to n times.
func WithRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.client.SetRetryCount(n).
			SetRetryWaitTime(100 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return !errors.Is(err, context.Canceled)
				}
				return r.StatusCode() >= http.StatusInternalServerError
			})
	}
}

// WithBearerToken authenticates calls to gateways that require it.
func WithBearerToken(token string) ClientOption {
	return func(c *HTTPClient) {
		if token != "" {
			c.client.SetAuthToken(token)
		}
	}
}

// NewHTTPClient creates a client for the registry at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("registry base URL is required")
	}
	c := &HTTPClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "application/json").
			SetHeader("Content-Type", "application/json"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NullifiedMarkets implements ports.Registry.
func (c *HTTPClient) NullifiedMarkets(ctx context.Context, offset, limit int) ([]string, bool, error) {
	return c.page(ctx, "NullifiedMarkets", PathMarkets, offset, limit)
}

// NullifiedAddresses implements ports.Registry.
func (c *HTTPClient) NullifiedAddresses(ctx context.Context, offset, limit int) ([]string, bool, error) {
	return c.page(ctx, "NullifiedAddresses", PathAddresses, offset, limit)
}

func (c *HTTPClient) page(ctx context.Context, op, path string, offset, limit int) ([]string, bool, error) {
	var out PageResponse
	err := c.do(ctx, op, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"offset": strconv.Itoa(offset),
			"limit":  strconv.Itoa(limit),
		}).SetResult(&out).Get(path)
	})
	if err != nil {
		return nil, false, err
	}
	if out.Items == nil {
		out.Items = []string{}
	}
	return out.Items, out.HasMore, nil
}

// IsMarketNullified implements ports.Registry.
func (c *HTTPClient) IsMarketNullified(ctx context.Context, hash string) (bool, error) {
	key, err := identity.NormalizeMarketHash(hash)
	if err != nil {
		return false, err
	}
	return c.membership(ctx, "IsMarketNullified", PathMarkets+"/"+key)
}

// IsAddressNullified implements ports.Registry.
func (c *HTTPClient) IsAddressNullified(ctx context.Context, address string) (bool, error) {
	key, err := identity.NormalizeAddress(address)
	if err != nil {
		return false, err
	}
	return c.membership(ctx, "IsAddressNullified", PathAddresses+"/"+key)
}

func (c *HTTPClient) membership(ctx context.Context, op, path string) (bool, error) {
	var out MembershipResponse
	err := c.do(ctx, op, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get(path)
	})
	if err != nil {
		return false, err
	}
	return out.Nullified, nil
}

// AccumulatorParameters implements ports.Registry.
func (c *HTTPClient) AccumulatorParameters(ctx context.Context) (models.AccumulatorParameters, error) {
	var out AccumulatorResponse
	err := c.do(ctx, "AccumulatorParameters", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get(PathAccumulator)
	})
	if err != nil {
		return models.AccumulatorParameters{}, err
	}
	params, err := out.ToModel()
	if err != nil {
		return models.AccumulatorParameters{}, NewClientError(ErrorBadData, "AccumulatorParameters", "malformed parameters", err)
	}
	return params, nil
}

// Stats implements ports.Registry.
func (c *HTTPClient) Stats(ctx context.Context) (models.RegistryStats, error) {
	var out StatsResponse
	err := c.do(ctx, "Stats", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get(PathStats)
	})
	if err != nil {
		return models.RegistryStats{}, err
	}
	return out.ToModel(), nil
}

// Witness implements ports.WitnessSource.
func (c *HTTPClient) Witness(ctx context.Context, prime *big.Int) (*big.Int, error) {
	if prime == nil {
		return nil, models.InvalidParameterError("Witness", "prime is required")
	}
	var out WitnessResponse
	err := c.do(ctx, "Witness", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(WitnessRequest{Prime: prime.String()}).SetResult(&out).Post(PathWitness)
	})
	if err != nil {
		return nil, err
	}
	w, err := parseBig("witness", out.Witness)
	if err != nil {
		return nil, NewClientError(ErrorBadData, "Witness", "malformed witness", err)
	}
	return w, nil
}

// do runs one request through the breaker and normalizes failures into ClientError.
func (c *HTTPClient) do(ctx context.Context, op string, send func(*resty.Request) (*resty.Response, error)) error {
	if c.breaker != nil && !c.breaker.Allow() {
		return NewClientError(ErrorCircuitOpen, op, "circuit "+c.breaker.Name()+" is open", nil)
	}

	var errBody ErrorResponse
	resp, err := send(c.client.R().SetContext(ctx).SetError(&errBody))
	if err != nil {
		cerr := classifyTransport(ctx, op, err)
		c.record(ctx, cerr)
		return cerr
	}
	if resp.IsError() {
		msg := errBody.ErrorDescription
		if msg == "" {
			msg = errBody.Error
		}
		if msg == "" {
			msg = resp.Status()
		}
		cerr := NewClientError(categoryForStatus(resp.StatusCode()), op, msg, nil)
		c.record(ctx, cerr)
		return cerr
	}
	c.record(ctx, nil)
	return nil
}

func (c *HTTPClient) record(ctx context.Context, err *ClientError) {
	if c.breaker == nil {
		return
	}
	if err == nil {
		if _, change := c.breaker.RecordSuccess(); change.Closed {
			c.logger.InfoContext(ctx, "registry circuit closed", "breaker", c.breaker.Name())
		}
		return
	}
	if !err.Retryable {
		return
	}
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "registry circuit opened",
			"breaker", c.breaker.Name(),
			"operation", err.Operation,
			"error", err,
		)
	}
}

func classifyTransport(ctx context.Context, op string, err error) *ClientError {
	if ctx.Err() != nil {
		return NewClientError(ErrorInternal, op, "request abandoned", ctx.Err())
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewClientError(ErrorTimeout, op, "request timed out", err)
	}
	return NewClientError(ErrorOutage, op, "registry unreachable", err)
}
