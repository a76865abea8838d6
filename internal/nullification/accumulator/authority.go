package accumulator

import (
	"crypto/rsa"
	"fmt"
	"io"
	"math/big"
	"sync"

	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/sentinel"
)

// DefaultGenerator is the generator used by NewAuthority callers that have no preference.
var DefaultGenerator = big.NewInt(65537)

// MinGeneratedModulusBits is the smallest modulus GenerateModulus will produce.
// crypto/rsa refuses to generate keys below this size.
const MinGeneratedModulusBits = 1024

// GenerateModulus produces an RSA modulus of the given size. The factors are discarded;
// the authority here only ever needs N.
func GenerateModulus(random io.Reader, bits int) (*big.Int, error) {
	if bits < MinGeneratedModulusBits {
		return nil, models.InvalidParameterError("generate_modulus",
			fmt.Sprintf("modulus must be at least %d bits, got %d", MinGeneratedModulusBits, bits))
	}
	key, err := rsa.GenerateKey(random, bits)
	if err != nil {
		return nil, fmt.Errorf("generate modulus: %w", err)
	}
	return new(big.Int).Set(key.N), nil
}

// Commit computes g^(prod primes) mod N.
func Commit(modulus, generator *big.Int, primes []*big.Int) *big.Int {
	value := new(big.Int).Set(generator)
	for _, p := range primes {
		value.Exp(value, p, modulus)
	}
	return value
}

// Witness computes g^(prod primes[j], j != index) mod N, the membership witness for
// primes[index].
func Witness(modulus, generator *big.Int, primes []*big.Int, index int) (*big.Int, error) {
	if index < 0 || index >= len(primes) {
		return nil, fmt.Errorf("witness index %d out of range: %w", index, sentinel.ErrNotFound)
	}
	w := new(big.Int).Set(generator)
	for j, p := range primes {
		if j == index {
			continue
		}
		w.Exp(w, p, modulus)
	}
	return w, nil
}

// Authority maintains the accumulator over a mutable prime set. It recomputes from the
// generator on removal, which is what an authority without the trapdoor has to do; a
// production authority would use the factorization instead.
type Authority struct {
	mu        sync.RWMutex
	modulus   *big.Int
	generator *big.Int
	value     *big.Int
	primes    map[string]*big.Int
	order     []string
}

// NewAuthority validates N and g and starts from the empty set (value = g).
func NewAuthority(modulus, generator *big.Int) (*Authority, error) {
	if err := validate(modulus, generator, generator); err != nil {
		return nil, err
	}
	return &Authority{
		modulus:   new(big.Int).Set(modulus),
		generator: new(big.Int).Set(generator),
		value:     new(big.Int).Set(generator),
		primes:    make(map[string]*big.Int),
	}, nil
}

// Add accumulates prime. Adding a prime already present is a no-op.
func (a *Authority) Add(prime *big.Int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := prime.String()
	if _, ok := a.primes[key]; ok {
		return false
	}
	a.primes[key] = new(big.Int).Set(prime)
	a.order = append(a.order, key)
	a.value.Exp(a.value, prime, a.modulus)
	return true
}

// Remove drops prime and recomputes the commitment over the remaining set.
func (a *Authority) Remove(prime *big.Int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := prime.String()
	if _, ok := a.primes[key]; !ok {
		return false
	}
	delete(a.primes, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.value = Commit(a.modulus, a.generator, a.primesLocked())
	return true
}

// Contains reports whether prime is accumulated.
func (a *Authority) Contains(prime *big.Int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.primes[prime.String()]
	return ok
}

// Len returns the number of accumulated primes.
func (a *Authority) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.primes)
}

// Value returns a copy of the current commitment.
func (a *Authority) Value() *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return new(big.Int).Set(a.value)
}

// Witness returns the membership witness for an accumulated prime.
func (a *Authority) Witness(prime *big.Int) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key := prime.String()
	if _, ok := a.primes[key]; !ok {
		return nil, fmt.Errorf("prime is not accumulated: %w", sentinel.ErrNotFound)
	}
	primes := a.primesLocked()
	for i, k := range a.order {
		if k == key {
			return Witness(a.modulus, a.generator, primes, i)
		}
	}
	return nil, fmt.Errorf("prime is not accumulated: %w", sentinel.ErrNotFound)
}

// Parameters returns the public values a registry publishes.
func (a *Authority) Parameters() models.AccumulatorParameters {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return models.AccumulatorParameters{
		Modulus:     new(big.Int).Set(a.modulus),
		Generator:   new(big.Int).Set(a.generator),
		Value:       new(big.Int).Set(a.value),
		Initialized: true,
	}
}

func (a *Authority) primesLocked() []*big.Int {
	primes := make([]*big.Int, 0, len(a.order))
	for _, k := range a.order {
		primes = append(primes, a.primes[k])
	}
	return primes
}
