package service

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"nullifier/internal/nullification/accumulator"
	"nullifier/internal/nullification/cache"
	"nullifier/internal/nullification/identity"
	"nullifier/internal/nullification/mirror"
	"nullifier/internal/nullification/models"
	"nullifier/internal/nullification/ports/mocks"
	"nullifier/internal/nullification/registry"
	"nullifier/pkg/platform/sentinel"
)

const (
	testRegistryKey = "0x00000000000000000000000000000000000000aa"
	addrNullified   = "0x1111111111111111111111111111111111111111"
	addrActive      = "0x2222222222222222222222222222222222222222"
)

func market(question string) models.Market {
	return models.Market{
		Creator:          "0x3333333333333333333333333333333333333333",
		Category:         "sports",
		Question:         question,
		ResolutionSource: "https://example.org/results",
		Outcomes:         []string{"yes", "no"},
		ResolutionTime:   1_800_000_000,
	}
}

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	reg     *registry.InMemoryRegistry
	store   *cache.MemoryStore
	mirror  *mirror.Mirror
	service *Service

	nullified models.Market
	active    models.Market
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.UnixMilli(1_767_000_000_000)
	clock := func() time.Time { return s.now }

	s.reg = registry.NewInMemoryRegistry()
	s.store = cache.NewMemoryStore(cache.WithMemoryClock(clock))
	m, err := mirror.New(s.reg, testRegistryKey,
		mirror.WithStore(s.store),
		mirror.WithMaxAge(time.Minute),
		mirror.WithClock(clock),
	)
	s.Require().NoError(err)
	s.mirror = m

	svc, err := New(m, s.reg, WithClock(clock))
	s.Require().NoError(err)
	s.service = svc

	s.nullified = market("Will it rain?")
	s.active = market("Will it snow?")
}

func (s *ServiceSuite) TearDownTest() {
	s.mirror.Wait()
}

func (s *ServiceSuite) nullifyAndSync() {
	id, err := identity.MarketIdentity(s.nullified)
	s.Require().NoError(err)
	s.Require().NoError(s.reg.NullifyMarket(s.ctx, id.Key()))
	s.Require().NoError(s.reg.NullifyAddress(s.ctx, addrNullified))
	s.Require().NoError(s.service.Refresh(s.ctx))
}

// =============================================================================
// Local checks
// =============================================================================

func (s *ServiceSuite) TestLocalChecks() {
	s.nullifyAndSync()

	s.True(s.service.CheckMarketNullified(s.nullified))
	s.False(s.service.CheckMarketNullified(s.active))
	s.True(s.service.CheckAddressNullified(addrNullified))
	s.False(s.service.CheckAddressNullified(addrActive))

	id, err := identity.MarketIdentity(s.nullified)
	s.Require().NoError(err)
	s.True(s.service.CheckMarketHashNullified(id.HashHex()))
}

func (s *ServiceSuite) TestLocalChecks_FailOpen() {
	s.Run("uninitialized mirror", func() {
		s.False(s.service.CheckMarketNullified(s.nullified))
		s.False(s.service.CheckAddressNullified(addrNullified))
	})

	s.nullifyAndSync()

	s.Run("unmappable market", func() {
		bad := s.nullified
		bad.Creator = "not-an-address"
		s.False(s.service.CheckMarketNullified(bad))
	})
	s.Run("malformed address and hash", func() {
		s.False(s.service.CheckAddressNullified("0x12"))
		s.False(s.service.CheckMarketHashNullified("zz"))
	})
}

func (s *ServiceSuite) TestFilterAndPartition() {
	s.nullifyAndSync()
	bad := models.Market{Question: "no creator"}
	input := []models.Market{s.active, s.nullified, bad}

	filtered := s.service.FilterMarkets(input)
	s.Equal([]models.Market{s.active, bad}, filtered)

	active, nullified := s.service.PartitionMarkets(input)
	s.Equal([]models.Market{s.active, bad}, active)
	s.Equal([]models.Market{s.nullified}, nullified)
}

func (s *ServiceSuite) TestFilter_EmptyMirrorKeepsEverything() {
	input := []models.Market{s.active, s.nullified}
	s.Equal(input, s.service.FilterMarkets(input))

	active, nullified := s.service.PartitionMarkets(nil)
	s.Empty(active)
	s.NotNil(nullified)
	s.Empty(nullified)
}

// =============================================================================
// Authoritative and witness checks
// =============================================================================

func (s *ServiceSuite) TestVerifyOnChain() {
	id, err := identity.MarketIdentity(s.nullified)
	s.Require().NoError(err)
	s.Require().NoError(s.reg.NullifyMarket(s.ctx, id.Key()))

	// no sync: the answer comes from the registry, not the mirror
	ok, err := s.service.VerifyMarketNullifiedOnChain(s.ctx, s.nullified)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.service.VerifyMarketHashNullifiedOnChain(s.ctx, id.HashHex())
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.service.VerifyAddressNullifiedOnChain(s.ctx, addrActive)
	s.Require().NoError(err)
	s.False(ok)

	_, err = s.service.VerifyAddressNullifiedOnChain(s.ctx, "nope")
	s.True(models.IsKind(err, models.KindMapping))
}

func (s *ServiceSuite) TestWitness() {
	n, ok := new(big.Int).SetString(testModulusHex, 16)
	s.Require().True(ok)
	s.Require().NoError(s.reg.InitializeAccumulator(n, accumulator.DefaultGenerator))

	s.Run("no accumulator mirrored yet", func() {
		_, err := s.service.VerifyAddressWitness(addrNullified, big.NewInt(2))
		s.ErrorIs(err, models.ErrAccumulatorUnavailable)
	})

	s.nullifyAndSync()

	ok, err := s.service.ProveMarketNullified(s.ctx, s.nullified)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.service.ProveMarketNullified(s.ctx, s.active)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.service.ProveAddressNullified(s.ctx, addrNullified)
	s.Require().NoError(err)
	s.True(ok)

	id, err := identity.AddressIdentity(addrNullified)
	s.Require().NoError(err)
	witness, err := s.reg.Witness(s.ctx, id.Prime)
	s.Require().NoError(err)

	ok, err = s.service.VerifyAddressWitness(addrNullified, witness)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.service.VerifyAddressWitness(addrActive, witness)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.service.VerifyMarketWitness(s.nullified, big.NewInt(2))
	s.Require().NoError(err)
	s.False(ok)
}

// =============================================================================
// Refresh, deltas and stats
// =============================================================================

func (s *ServiceSuite) TestApplyDelta() {
	s.nullifyAndSync()

	s.Require().NoError(s.reg.ReinstateAddress(s.ctx, addrNullified))
	s.Require().NoError(s.service.ApplyDelta(s.ctx, models.Delta{
		Action: models.ActionReinstate,
		Kind:   models.KindAddress,
		Keys:   []string{addrNullified},
	}))
	s.False(s.service.CheckAddressNullified(addrNullified))

	s.Require().NoError(s.reg.NullifyAddress(s.ctx, addrActive))
	s.Require().NoError(s.service.ApplyBatchResult(s.ctx, models.BatchResult{
		Action: models.ActionNullify,
		Kind:   models.KindAddress,
		Items: []models.BatchItemResult{
			{Key: addrActive, Success: true},
			{Key: addrNullified, Success: false, Reason: "rejected"},
		},
	}))
	s.True(s.service.CheckAddressNullified(addrActive))
	s.False(s.service.CheckAddressNullified(addrNullified))
}

func (s *ServiceSuite) TestStats() {
	stats := s.service.Stats()
	s.True(stats.IsStale)
	s.Equal(models.StateUninitialized, stats.State)

	s.nullifyAndSync()
	stats = s.service.Stats()
	s.Equal(1, stats.NullifiedMarketsCount)
	s.Equal(1, stats.NullifiedAddressesCount)
	s.False(stats.IsStale)
	s.False(stats.FromCache)
	s.Equal(models.StateReady, stats.State)

	s.now = s.now.Add(time.Minute + time.Millisecond)
	stats = s.service.Stats()
	s.True(stats.IsStale)
	s.Equal((time.Minute + time.Millisecond).Milliseconds(), stats.CacheAgeMs)

	regStats, err := s.service.RegistryStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, regStats.TotalNullifications)
}

// =============================================================================
// Failures
// =============================================================================

func TestForceRefresh_UnreachableRegistry(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := registry.NewHTTPClient(url, registry.WithTimeout(time.Second))
	require.NoError(t, err)
	store := cache.NewMemoryStore()
	m, err := mirror.New(client, testRegistryKey, mirror.WithStore(store))
	require.NoError(t, err)
	svc, err := New(m, client)
	require.NoError(t, err)

	t.Run("mirror loaded from a fresh cache entry", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, testRegistryKey, &models.CacheEntry{
			AddressHashes: []string{addrNullified},
			Timestamp:     time.Now(),
		}))
		require.NoError(t, svc.Initialize(ctx))
		assert.True(t, svc.CheckAddressNullified(addrNullified))
		assert.True(t, svc.Stats().FromCache)
	})

	t.Run("forced refresh cannot reach the registry", func(t *testing.T) {
		err := svc.ForceRefresh(ctx)
		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.KindSync))
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	})

	t.Run("cache is cleared and the in-memory snapshot still answers", func(t *testing.T) {
		_, err := store.Load(ctx, testRegistryKey, time.Hour)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		assert.True(t, svc.CheckAddressNullified(addrNullified))
	})
}

func TestForceRefresh_ColdStartUnreachableRegistry(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := registry.NewHTTPClient(url, registry.WithTimeout(time.Second))
	require.NoError(t, err)
	m, err := mirror.New(client, testRegistryKey, mirror.WithStore(cache.NewMemoryStore()))
	require.NoError(t, err)
	svc, err := New(m, client)
	require.NoError(t, err)

	err = svc.ForceRefresh(ctx)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindSync))
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)

	assert.NotPanics(t, func() {
		assert.False(t, svc.CheckMarketNullified(market("Will it rain?")))
		assert.False(t, svc.CheckAddressNullified(addrNullified))
		assert.Equal(t, []models.Market{market("a")}, svc.FilterMarkets([]models.Market{market("a")}))
	})
	stats := svc.Stats()
	assert.Equal(t, models.StateUninitialized, stats.State)
	assert.True(t, stats.IsStale)
	assert.Zero(t, stats.NullifiedMarketsCount)
}

func TestVerifyOnChain_RegistryFailureIsNeverFalse(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	down := errors.New("rpc down")
	reg.EXPECT().IsAddressNullified(gomock.Any(), addrActive).Return(false, down)
	reg.EXPECT().Stats(gomock.Any()).Return(models.RegistryStats{}, down)

	m, err := mirror.New(reg, testRegistryKey)
	require.NoError(t, err)
	svc, err := New(m, reg)
	require.NoError(t, err)

	ok, err := svc.VerifyAddressNullifiedOnChain(context.Background(), addrActive)
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, models.IsKind(err, models.KindVerification))
	assert.ErrorIs(t, err, down)

	_, err = svc.RegistryStats(context.Background())
	assert.True(t, models.IsKind(err, models.KindVerification))
}

func TestProve_RegistryWithoutWitnesses(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)

	m, err := mirror.New(reg, testRegistryKey)
	require.NoError(t, err)
	svc, err := New(m, reg)
	require.NoError(t, err)

	_, err = svc.ProveAddressNullified(context.Background(), addrActive)
	assert.ErrorIs(t, err, models.ErrAccumulatorUnavailable)
}

func TestNew_Validation(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	m, err := mirror.New(reg, testRegistryKey)
	require.NoError(t, err)

	_, err = New(nil, reg)
	assert.Error(t, err)
	_, err = New(m, nil)
	assert.Error(t, err)
}

const testModulusHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"
