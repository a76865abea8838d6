package identity

import (
	"math/big"

	"golang.org/x/crypto/sha3"
)

const (
	// PrimeBits is the fixed bit length of every derived prime.
	PrimeBits = 256

	// primalityRounds is the Miller-Rabin round count passed to ProbablyPrime. Go adds a
	// Baillie-PSW test on top, so the result is deterministic for a given candidate.
	primalityRounds = 20

	primeTag = "nullifier/prime/v1"
)

var (
	two        = big.NewInt(2)
	primeFloor = new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), PrimeBits-1), big.NewInt(1))
)

// HashToPrime derives the accumulator prime for an identity hash. The candidate is
// Keccak256(tag || hash) forced into [2^255, 2^256) and odd, then stepped by two until
// it passes the primality test. Wrapping past 2^256 restarts at 2^255+1.
//
// This scheme is frozen: changing it orphans every prime the registry already holds.
func HashToPrime(hash [32]byte) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(primeTag))
	h.Write(hash[:])
	candidate := new(big.Int).SetBytes(h.Sum(nil))
	candidate.SetBit(candidate, PrimeBits-1, 1)
	candidate.SetBit(candidate, 0, 1)

	for !candidate.ProbablyPrime(primalityRounds) {
		candidate.Add(candidate, two)
		if candidate.BitLen() > PrimeBits {
			candidate.Set(primeFloor)
		}
	}
	return candidate
}
