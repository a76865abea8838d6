package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"nullifier/internal/nullification/identity"
	"nullifier/internal/nullification/mirror"
	"nullifier/internal/nullification/models"
	"nullifier/internal/nullification/registry"
	"nullifier/internal/nullification/service"
	"nullifier/pkg/platform/middleware/admin"
	"nullifier/pkg/testutil"
)

const (
	registryKey   = "0x00000000000000000000000000000000000000aa"
	addrNullified = "0x1111111111111111111111111111111111111111"
	addrActive    = "0x2222222222222222222222222222222222222222"
)

type HandlerSuite struct {
	suite.Suite
	ctx    context.Context
	reg    *registry.InMemoryRegistry
	mirror *mirror.Mirror
	tokens *admin.Tokens
	router chi.Router

	nullified models.Market
	active    models.Market
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.reg = registry.NewInMemoryRegistry()
	m, err := mirror.New(s.reg, registryKey)
	s.Require().NoError(err)
	s.mirror = m
	svc, err := service.New(m, s.reg)
	s.Require().NoError(err)

	s.tokens = admin.NewTokens("handler-test-key", "")
	h := New(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.router = chi.NewRouter()
	h.Register(s.router)
	h.RegisterAdmin(s.router, s.tokens)

	s.nullified = models.Market{
		Creator:          "0x3333333333333333333333333333333333333333",
		Category:         "politics",
		Question:         "Will the bill pass?",
		ResolutionSource: "https://example.org",
		Outcomes:         []string{"yes", "no"},
		ResolutionTime:   1_800_000_000,
	}
	s.active = s.nullified
	s.active.Question = "Will the bill fail?"

	id, err := identity.MarketIdentity(s.nullified)
	s.Require().NoError(err)
	s.Require().NoError(s.reg.NullifyMarket(s.ctx, id.Key()))
	s.Require().NoError(s.reg.NullifyAddress(s.ctx, addrNullified))
}

func (s *HandlerSuite) TearDownTest() {
	s.mirror.Wait()
}

func (s *HandlerSuite) do(method, path string, body any, token ...string) *httptest.ResponseRecorder {
	req := testutil.NewJSONRequest(s.T(), method, path, body)
	if len(token) == 1 {
		req = testutil.WithBearer(req, token[0])
	}
	return testutil.DoRequest(s.router, req)
}

func decodeBody[T any](s *HandlerSuite, rec *httptest.ResponseRecorder) T {
	return testutil.UnmarshalResponse[T](s.T(), rec)
}

func (s *HandlerSuite) refresh() {
	rec := s.do(http.MethodPost, "/v1/nullification/refresh", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
}

// =============================================================================
// Queries
// =============================================================================

func (s *HandlerSuite) TestLocalChecks() {
	// before the first sync everything fails open
	rec := s.do(http.MethodGet, "/v1/nullification/addresses/"+addrNullified, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.False(decodeBody[CheckResponse](s, rec).Nullified)

	s.refresh()

	rec = s.do(http.MethodGet, "/v1/nullification/addresses/"+addrNullified, nil)
	got := decodeBody[CheckResponse](s, rec)
	s.True(got.Nullified)
	s.Equal("mirror", got.Source)

	rec = s.do(http.MethodPost, "/v1/nullification/markets/check", MarketRequest{Market: s.nullified})
	s.Equal(http.StatusOK, rec.Code)
	s.True(decodeBody[CheckResponse](s, rec).Nullified)

	id, err := identity.MarketIdentity(s.nullified)
	s.Require().NoError(err)
	rec = s.do(http.MethodGet, "/v1/nullification/markets/"+id.HashHex(), nil)
	s.True(decodeBody[CheckResponse](s, rec).Nullified)
}

func (s *HandlerSuite) TestFilterAndPartition() {
	s.refresh()
	body := MarketsRequest{Markets: []models.Market{s.active, s.nullified}}

	rec := s.do(http.MethodPost, "/v1/nullification/markets/filter", body)
	s.Equal(http.StatusOK, rec.Code)
	filtered := decodeBody[MarketsResponse](s, rec)
	s.Require().Len(filtered.Markets, 1)
	s.Equal(s.active.Question, filtered.Markets[0].Question)

	rec = s.do(http.MethodPost, "/v1/nullification/markets/partition", body)
	s.Equal(http.StatusOK, rec.Code)
	parts := decodeBody[PartitionResponse](s, rec)
	s.Len(parts.Active, 1)
	s.Len(parts.Nullified, 1)
}

func (s *HandlerSuite) TestVerify() {
	rec := s.do(http.MethodPost, "/v1/nullification/markets/verify", MarketRequest{Market: s.nullified})
	s.Equal(http.StatusOK, rec.Code)
	got := decodeBody[CheckResponse](s, rec)
	s.True(got.Nullified)
	s.Equal("registry", got.Source)

	rec = s.do(http.MethodGet, "/v1/nullification/addresses/"+addrActive+"/verify", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.False(decodeBody[CheckResponse](s, rec).Nullified)

	rec = s.do(http.MethodGet, "/v1/nullification/addresses/0x12/verify", nil)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestWitness_NoAccumulator() {
	s.refresh()
	rec := s.do(http.MethodPost, "/v1/nullification/witness/verify", map[string]string{
		"address": addrNullified,
		"witness": "12345",
	})
	testutil.AssertStatusAndError(s.T(), rec, http.StatusConflict, "accumulator_unavailable")

	rec = s.do(http.MethodPost, "/v1/nullification/witness/verify", map[string]string{
		"address": addrNullified,
		"witness": "-1",
	})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestStats() {
	rec := s.do(http.MethodGet, "/v1/nullification/stats", nil)
	s.Equal(http.StatusOK, rec.Code)
	stats := decodeBody[StatsResponse](s, rec)
	s.True(stats.IsStale)
	s.Equal(models.StateUninitialized, stats.State)

	rec = s.do(http.MethodPost, "/v1/nullification/refresh?force=true", nil)
	s.Equal(http.StatusOK, rec.Code)
	stats = decodeBody[StatsResponse](s, rec)
	s.Equal(1, stats.NullifiedMarketsCount)
	s.Equal(1, stats.NullifiedAddressesCount)
	s.False(stats.IsStale)

	rec = s.do(http.MethodGet, "/v1/nullification/registry/stats", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(2, decodeBody[models.RegistryStats](s, rec).TotalNullifications)
}

func (s *HandlerSuite) TestBadBody() {
	rec := s.do(http.MethodPost, "/v1/nullification/markets/check", map[string]any{"unexpected": true})
	s.Equal(http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Admin
// =============================================================================

func (s *HandlerSuite) TestDelta_RequiresAdmin() {
	body := DeltaRequest{Action: "nullify", Kind: "address", Keys: []string{addrActive}}
	rec := s.do(http.MethodPost, "/v1/admin/nullification/delta", body)
	testutil.AssertStatusAndError(s.T(), rec, http.StatusUnauthorized, "unauthorized")
}

func (s *HandlerSuite) TestDelta() {
	s.refresh()
	token, err := s.tokens.Issue("ops", time.Hour)
	s.Require().NoError(err)

	s.Require().NoError(s.reg.NullifyAddress(s.ctx, addrActive))
	body := DeltaRequest{Action: "nullify", Kind: "address", Keys: []string{addrActive}}
	rec := s.do(http.MethodPost, "/v1/admin/nullification/delta", body, token)
	s.Equal(http.StatusAccepted, rec.Code)
	s.Equal(1, decodeBody[AcceptedResponse](s, rec).Applied)

	rec = s.do(http.MethodGet, "/v1/nullification/addresses/"+addrActive, nil)
	s.True(decodeBody[CheckResponse](s, rec).Nullified)

	s.Run("bad key rejects the delta", func() {
		body := DeltaRequest{Action: "nullify", Kind: "address", Keys: []string{"0xnope"}}
		rec := s.do(http.MethodPost, "/v1/admin/nullification/delta", body, token)
		testutil.AssertStatusAndError(s.T(), rec, http.StatusBadRequest, "bad_request")
	})
	s.Run("unknown action", func() {
		body := DeltaRequest{Action: "delete", Kind: "address", Keys: []string{addrActive}}
		rec := s.do(http.MethodPost, "/v1/admin/nullification/delta", body, token)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
	s.Run("batch applies succeeded items", func() {
		s.Require().NoError(s.reg.ReinstateAddress(s.ctx, addrNullified))
		body := BatchRequest{Action: "reinstate", Kind: "address", Items: []models.BatchItemResult{
			{Key: addrNullified, Success: true},
			{Key: addrActive, Success: false, Reason: "not allowed"},
		}}
		rec := s.do(http.MethodPost, "/v1/admin/nullification/batch", body, token)
		s.Equal(http.StatusAccepted, rec.Code)
		s.Equal(1, decodeBody[AcceptedResponse](s, rec).Applied)
	})
}
