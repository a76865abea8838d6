// Package accumulator implements the RSA accumulator used to commit to the nullified set.
//
// The client side is verify-only: Accumulator is built from parameters the registry
// publishes and checks witnesses against them. Authority is the registry-side engine and
// is used by the in-memory registry; it never backs the client mirror.
package accumulator

import (
	"crypto/subtle"
	"math/big"

	"nullifier/internal/nullification/models"
)

// MinModulusBits is the smallest modulus accepted from a registry.
const MinModulusBits = 512

var one = big.NewInt(1)

// Accumulator is a read-only handle over published accumulator parameters.
type Accumulator struct {
	modulus   *big.Int
	generator *big.Int
	value     *big.Int
	width     int
}

// FromParameters validates registry-supplied values and builds a verifier.
func FromParameters(modulus, generator, value *big.Int) (*Accumulator, error) {
	if err := validate(modulus, generator, value); err != nil {
		return nil, err
	}
	return &Accumulator{
		modulus:   new(big.Int).Set(modulus),
		generator: new(big.Int).Set(generator),
		value:     new(big.Int).Set(value),
		width:     (modulus.BitLen() + 7) / 8,
	}, nil
}

// FromModelParameters is FromParameters over the registry model type.
func FromModelParameters(p models.AccumulatorParameters) (*Accumulator, error) {
	if !p.Initialized {
		return nil, models.InvalidParameterError("from_parameters", "accumulator parameters are not initialized")
	}
	return FromParameters(p.Modulus, p.Generator, p.Value)
}

func validate(modulus, generator, value *big.Int) error {
	const op = "from_parameters"
	if modulus == nil || generator == nil || value == nil {
		return models.InvalidParameterError(op, "modulus, generator and value are required")
	}
	if modulus.Sign() <= 0 || modulus.Bit(0) == 0 {
		return models.InvalidParameterError(op, "modulus must be positive and odd")
	}
	if modulus.BitLen() < MinModulusBits {
		return models.InvalidParameterError(op, "modulus is too small")
	}
	if generator.Cmp(one) <= 0 || generator.Cmp(modulus) >= 0 {
		return models.InvalidParameterError(op, "generator must lie in (1, modulus)")
	}
	if new(big.Int).GCD(nil, nil, generator, modulus).Cmp(one) != 0 {
		return models.InvalidParameterError(op, "generator must be coprime to modulus")
	}
	if value.Sign() <= 0 || value.Cmp(modulus) >= 0 {
		return models.InvalidParameterError(op, "value must lie in (0, modulus)")
	}
	return nil
}

// VerifyMembership checks witness^prime mod N == value. The comparison runs over
// fixed-width encodings in constant time.
func (a *Accumulator) VerifyMembership(witness, prime *big.Int) bool {
	if witness == nil || prime == nil || prime.Sign() <= 0 {
		return false
	}
	w := new(big.Int).Mod(witness, a.modulus)
	got := new(big.Int).Exp(w, prime, a.modulus)

	lhs := got.FillBytes(make([]byte, a.width))
	rhs := a.value.FillBytes(make([]byte, a.width))
	return subtle.ConstantTimeCompare(lhs, rhs) == 1
}

// Value returns a copy of the current commitment.
func (a *Accumulator) Value() *big.Int {
	return new(big.Int).Set(a.value)
}

// Modulus returns a copy of N.
func (a *Accumulator) Modulus() *big.Int {
	return new(big.Int).Set(a.modulus)
}

// Generator returns a copy of g.
func (a *Accumulator) Generator() *big.Int {
	return new(big.Int).Set(a.generator)
}

// Parameters returns the accumulator as registry model parameters.
func (a *Accumulator) Parameters() models.AccumulatorParameters {
	return models.AccumulatorParameters{
		Modulus:     a.Modulus(),
		Generator:   a.Generator(),
		Value:       a.Value(),
		Initialized: true,
	}
}
