package accumulator

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/sentinel"
)

// 2048-bit MODP group prime (RFC 3526). Odd and large; good enough as a fixed test modulus.
const testModulusHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

func testModulus(t *testing.T) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(testModulusHex, 16)
	require.True(t, ok)
	return n
}

func testPrimes() []*big.Int {
	return []*big.Int{
		big.NewInt(1000003),
		big.NewInt(1000033),
		big.NewInt(1000037),
	}
}

func TestVerifyMembership_KnownSet(t *testing.T) {
	n := testModulus(t)
	g := big.NewInt(3)
	primes := testPrimes()

	acc, err := FromParameters(n, g, Commit(n, g, primes))
	require.NoError(t, err)

	for i, p := range primes {
		w, err := Witness(n, g, primes, i)
		require.NoError(t, err)
		assert.True(t, acc.VerifyMembership(w, p), "member %d", i)
	}

	t.Run("witness raised to a prime outside the set fails", func(t *testing.T) {
		w, err := Witness(n, g, primes, 0)
		require.NoError(t, err)
		assert.False(t, acc.VerifyMembership(w, big.NewInt(1000039)))
	})

	t.Run("witness for one member does not prove another", func(t *testing.T) {
		w, err := Witness(n, g, primes, 0)
		require.NoError(t, err)
		assert.False(t, acc.VerifyMembership(w, primes[1]))
	})

	t.Run("nil and non-positive inputs are rejected", func(t *testing.T) {
		assert.False(t, acc.VerifyMembership(nil, primes[0]))
		assert.False(t, acc.VerifyMembership(big.NewInt(2), nil))
		assert.False(t, acc.VerifyMembership(big.NewInt(2), big.NewInt(0)))
	})
}

func TestFromParameters_Validation(t *testing.T) {
	n := testModulus(t)
	g := big.NewInt(3)
	v := big.NewInt(9)

	cases := map[string]struct {
		modulus, generator, value *big.Int
	}{
		"nil modulus":           {nil, g, v},
		"even modulus":          {new(big.Int).Add(n, big.NewInt(1)), g, v},
		"small modulus":         {big.NewInt(1000003), g, v},
		"generator of one":      {n, big.NewInt(1), v},
		"generator above N":     {n, new(big.Int).Add(n, big.NewInt(2)), v},
		"generator not coprime": {new(big.Int).Mul(n, big.NewInt(3)), big.NewInt(3), v},
		"zero value":            {n, g, big.NewInt(0)},
		"value equal to N":      {n, g, n},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromParameters(tc.modulus, tc.generator, tc.value)
			require.Error(t, err)
			assert.True(t, models.IsKind(err, models.KindInvalidParameter))
		})
	}

	t.Run("uninitialized model parameters", func(t *testing.T) {
		_, err := FromModelParameters(models.AccumulatorParameters{Modulus: n, Generator: g, Value: v})
		assert.True(t, models.IsKind(err, models.KindInvalidParameter))
	})
}

func TestAccumulator_ReturnsCopies(t *testing.T) {
	n := testModulus(t)
	acc, err := FromParameters(n, big.NewInt(3), big.NewInt(9))
	require.NoError(t, err)

	v := acc.Value()
	v.SetInt64(1)
	assert.Equal(t, int64(9), acc.Value().Int64())

	p := acc.Parameters()
	assert.True(t, p.Initialized)
	assert.Equal(t, 0, p.Modulus.Cmp(n))
}

func TestAuthority(t *testing.T) {
	n := testModulus(t)
	primes := testPrimes()

	auth, err := NewAuthority(n, DefaultGenerator)
	require.NoError(t, err)
	for _, p := range primes {
		assert.True(t, auth.Add(p))
	}
	assert.False(t, auth.Add(primes[0]), "duplicate add is a no-op")
	assert.Equal(t, 3, auth.Len())
	assert.Equal(t, 0, auth.Value().Cmp(Commit(n, DefaultGenerator, primes)))

	acc, err := FromModelParameters(auth.Parameters())
	require.NoError(t, err)
	for _, p := range primes {
		w, err := auth.Witness(p)
		require.NoError(t, err)
		assert.True(t, acc.VerifyMembership(w, p))
	}

	t.Run("removal recomputes the commitment", func(t *testing.T) {
		assert.True(t, auth.Remove(primes[1]))
		assert.False(t, auth.Remove(primes[1]))
		assert.False(t, auth.Contains(primes[1]))

		remaining := []*big.Int{primes[0], primes[2]}
		assert.Equal(t, 0, auth.Value().Cmp(Commit(n, DefaultGenerator, remaining)))

		after, err := FromModelParameters(auth.Parameters())
		require.NoError(t, err)
		oldWitness, err := Witness(n, DefaultGenerator, primes, 1)
		require.NoError(t, err)
		assert.False(t, after.VerifyMembership(oldWitness, primes[1]))
	})

	t.Run("witness for an absent prime", func(t *testing.T) {
		_, err := auth.Witness(big.NewInt(1000039))
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("witness index out of range", func(t *testing.T) {
		_, err := Witness(n, DefaultGenerator, primes, 3)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}

func TestGenerateModulus(t *testing.T) {
	for _, bits := range []int{0, MinModulusBits, MinGeneratedModulusBits - 1} {
		_, err := GenerateModulus(rand.Reader, bits)
		assert.True(t, models.IsKind(err, models.KindInvalidParameter), "bits=%d", bits)
	}

	n, err := GenerateModulus(rand.Reader, MinGeneratedModulusBits)
	require.NoError(t, err)
	assert.Equal(t, MinGeneratedModulusBits, n.BitLen())
	assert.Equal(t, uint(1), n.Bit(0))

	auth, err := NewAuthority(n, DefaultGenerator)
	require.NoError(t, err)
	primes := testPrimes()
	for _, p := range primes {
		auth.Add(p)
	}
	witness, err := auth.Witness(primes[0])
	require.NoError(t, err)

	acc, err := FromParameters(n, DefaultGenerator, auth.Value())
	require.NoError(t, err)
	assert.True(t, acc.VerifyMembership(witness, primes[0]))
	assert.False(t, acc.VerifyMembership(witness, primes[1]))
}
