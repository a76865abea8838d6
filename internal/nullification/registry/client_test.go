package registry_test

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"nullifier/internal/nullification/accumulator"
	"nullifier/internal/nullification/identity"
	"nullifier/internal/nullification/models"
	"nullifier/internal/nullification/registry"
	"nullifier/internal/nullification/registry/server"
	"nullifier/pkg/platform/circuit"
	"nullifier/pkg/platform/sentinel"
)

const (
	clientHashA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	clientAddrA = "0x1111111111111111111111111111111111111111"
	clientAddrB = "0x2222222222222222222222222222222222222222"
)

// HTTPClientSuite runs the resty client against the mock registry server.
type HTTPClientSuite struct {
	suite.Suite
	ctx    context.Context
	reg    *registry.InMemoryRegistry
	srv    *httptest.Server
	client *registry.HTTPClient
}

func TestHTTPClientSuite(t *testing.T) {
	suite.Run(t, new(HTTPClientSuite))
}

func (s *HTTPClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.reg = registry.NewInMemoryRegistry()
	r := chi.NewRouter()
	h := server.New(s.reg, nil)
	h.Register(r)
	h.RegisterAdmin(r)
	s.srv = httptest.NewServer(r)

	client, err := registry.NewHTTPClient(s.srv.URL, registry.WithTimeout(5*time.Second))
	s.Require().NoError(err)
	s.client = client
}

func (s *HTTPClientSuite) TearDownTest() {
	s.srv.Close()
}

// =============================================================================
// Reads
// =============================================================================

func (s *HTTPClientSuite) TestPages() {
	s.Require().NoError(s.reg.NullifyAddress(s.ctx, clientAddrA))
	s.Require().NoError(s.reg.NullifyAddress(s.ctx, clientAddrB))

	items, more, err := s.client.NullifiedAddresses(s.ctx, 0, 1)
	s.Require().NoError(err)
	s.Equal([]string{clientAddrA}, items)
	s.True(more)

	items, more, err = s.client.NullifiedAddresses(s.ctx, 1, 1)
	s.Require().NoError(err)
	s.Equal([]string{clientAddrB}, items)
	s.False(more)

	items, more, err = s.client.NullifiedMarkets(s.ctx, 0, 50)
	s.Require().NoError(err)
	s.NotNil(items)
	s.Empty(items)
	s.False(more)
}

func (s *HTTPClientSuite) TestMembership() {
	s.Require().NoError(s.reg.NullifyMarket(s.ctx, clientHashA))

	ok, err := s.client.IsMarketNullified(s.ctx, clientHashA)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.client.IsAddressNullified(s.ctx, clientAddrA)
	s.Require().NoError(err)
	s.False(ok)

	_, err = s.client.IsAddressNullified(s.ctx, "not-an-address")
	s.True(models.IsKind(err, models.KindMapping))
}

func (s *HTTPClientSuite) TestAccumulatorAndWitness() {
	params, err := s.client.AccumulatorParameters(s.ctx)
	s.Require().NoError(err)
	s.False(params.Initialized)

	n, ok := new(big.Int).SetString(testModulusHexClient, 16)
	s.Require().True(ok)
	s.Require().NoError(s.reg.InitializeAccumulator(n, accumulator.DefaultGenerator))
	s.Require().NoError(s.reg.NullifyAddress(s.ctx, clientAddrA))

	params, err = s.client.AccumulatorParameters(s.ctx)
	s.Require().NoError(err)
	s.Require().True(params.Initialized)
	acc, err := accumulator.FromModelParameters(params)
	s.Require().NoError(err)

	id, err := identity.AddressIdentity(clientAddrA)
	s.Require().NoError(err)
	witness, err := s.client.Witness(s.ctx, id.Prime)
	s.Require().NoError(err)
	s.True(acc.VerifyMembership(witness, id.Prime))

	s.Run("witness for a non-member is not found", func() {
		other, err := identity.AddressIdentity(clientAddrB)
		s.Require().NoError(err)
		_, err = s.client.Witness(s.ctx, other.Prime)
		s.Require().Error(err)
		s.Equal(registry.ErrorNotFound, registry.GetCategory(err))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *HTTPClientSuite) TestStats() {
	s.Require().NoError(s.reg.NullifyAddress(s.ctx, clientAddrA))
	s.Require().NoError(s.reg.ReinstateAddress(s.ctx, clientAddrA))

	stats, err := s.client.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, stats.AddressCount)
	s.Equal(1, stats.TotalNullifications)
	s.Equal(1, stats.TotalReinstatements)
	s.False(stats.LastUpdate.IsZero())
}

// =============================================================================
// Failures
// =============================================================================

func TestHTTPClient_ServerErrorIsOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error"}`))
	}))
	defer srv.Close()

	client, err := registry.NewHTTPClient(srv.URL)
	require.NoError(t, err)

	_, _, err = client.NullifiedMarkets(context.Background(), 0, 50)
	require.Error(t, err)
	assert.Equal(t, registry.ErrorOutage, registry.GetCategory(err))
	assert.True(t, registry.IsRetryable(err))
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func TestHTTPClient_BreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := circuit.New("registry", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	client, err := registry.NewHTTPClient(srv.URL, registry.WithBreaker(breaker))
	require.NoError(t, err)

	ctx := context.Background()
	for range 2 {
		_, err := client.Stats(ctx)
		require.Error(t, err)
	}
	assert.True(t, breaker.IsOpen())

	_, err = client.Stats(ctx)
	require.Error(t, err)
	assert.Equal(t, registry.ErrorCircuitOpen, registry.GetCategory(err))
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClient_BreakerRecoversAfterCooldown(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	reg := registry.NewInMemoryRegistry()
	r := chi.NewRouter()
	server.New(reg, nil).Register(r)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		r.ServeHTTP(w, req)
	}))
	defer srv.Close()

	now := time.Unix(1_767_000_000, 0)
	breaker := circuit.New("registry",
		circuit.WithFailureThreshold(1),
		circuit.WithSuccessThreshold(1),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }),
	)
	client, err := registry.NewHTTPClient(srv.URL, registry.WithBreaker(breaker))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.IsAddressNullified(ctx, clientAddrA)
	assert.Equal(t, registry.ErrorOutage, registry.GetCategory(err))
	require.True(t, breaker.IsOpen())

	down.Store(false)
	_, err = client.IsAddressNullified(ctx, clientAddrA)
	assert.Equal(t, registry.ErrorCircuitOpen, registry.GetCategory(err), "registry is back but the cooldown has not ended")
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)

	now = now.Add(time.Minute)
	nullified, err := client.IsAddressNullified(ctx, clientAddrA)
	require.NoError(t, err)
	assert.False(t, nullified)
	assert.False(t, breaker.IsOpen())

	_, err = client.Stats(ctx)
	assert.NoError(t, err)
}

func TestHTTPClient_UnreachableRegistry(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := registry.NewHTTPClient(url, registry.WithTimeout(time.Second))
	require.NoError(t, err)

	_, err = client.AccumulatorParameters(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel.ErrUnavailable))
}

func TestNewHTTPClient_RequiresURL(t *testing.T) {
	_, err := registry.NewHTTPClient("")
	assert.Error(t, err)
}

const testModulusHexClient = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"
