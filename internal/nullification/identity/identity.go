// Package identity maps markets and addresses to the canonical bytes, hashes and primes
// the registry keys its nullified sets and accumulator by.
//
// Both the client and the registry derive these values independently, so every function
// here is pure and the encoding is versioned. Do not change an existing tag's layout;
// introduce a new tag instead.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"nullifier/internal/nullification/models"
)

const (
	marketTag  = "nullifier/market/v1"
	addressTag = "nullifier/address/v1"
)

// Identity is the derived form of a market or address.
type Identity struct {
	Kind  models.IdentityKind
	Bytes []byte
	Hash  [32]byte
	Prime *big.Int

	key string
}

// Key is the set key the mirror stores: the 0x hash for markets, the lowercase
// address for addresses.
func (id Identity) Key() string {
	return id.key
}

// HashHex returns the 0x-prefixed lowercase hex of the identity hash.
func (id Identity) HashHex() string {
	return "0x" + hex.EncodeToString(id.Hash[:])
}

// MarketIdentity derives the identity of a market from its immutable fields.
func MarketIdentity(m models.Market) (Identity, error) {
	encoded, err := encodeMarket(m)
	if err != nil {
		return Identity{}, err
	}
	hash := keccak(encoded)
	id := Identity{
		Kind:  models.KindMarket,
		Bytes: encoded,
		Hash:  hash,
		Prime: HashToPrime(hash),
	}
	id.key = id.HashHex()
	return id, nil
}

// AddressIdentity derives the identity of an address after normalizing its casing.
func AddressIdentity(addr string) (Identity, error) {
	raw, err := parseAddress("address_identity", addr)
	if err != nil {
		return Identity{}, err
	}
	encoded := make([]byte, 0, len(addressTag)+len(raw))
	encoded = append(encoded, addressTag...)
	encoded = append(encoded, raw...)
	hash := keccak(encoded)
	return Identity{
		Kind:  models.KindAddress,
		Bytes: encoded,
		Hash:  hash,
		Prime: HashToPrime(hash),
		key:   "0x" + hex.EncodeToString(raw),
	}, nil
}

// maxMarketHashDigits is the hex width of a Keccak-256 digest.
const maxMarketHashDigits = 2 * 32

// NormalizeMarketHash validates a registry market hash and returns its canonical key:
// lowercase 0x-prefixed hex of at most 32 bytes, left-padded to a whole number of bytes.
// Leading zero bytes are significant, so 0x0a and 0x000a are different keys.
func NormalizeMarketHash(hash string) (string, error) {
	trimmed := strings.TrimSpace(hash)
	if len(trimmed) < 3 || (trimmed[:2] != "0x" && trimmed[:2] != "0X") {
		return "", models.MappingError("normalize_market_hash", "market hash must be 0x-prefixed hex")
	}
	digits := strings.ToLower(trimmed[2:])
	if len(digits) > maxMarketHashDigits {
		return "", models.MappingError("normalize_market_hash", "market hash is longer than 32 bytes")
	}
	for _, c := range digits {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", models.MappingError("normalize_market_hash", "market hash contains non-hex characters")
		}
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	return "0x" + digits, nil
}

// NormalizeKey normalizes a set key of the given kind.
func NormalizeKey(kind models.IdentityKind, key string) (string, error) {
	switch kind {
	case models.KindMarket:
		return NormalizeMarketHash(key)
	case models.KindAddress:
		return NormalizeAddress(key)
	default:
		return "", models.MappingError("normalize_key", "unknown identity kind")
	}
}

// encodeMarket builds the canonical market encoding: the tag followed by the fields in
// fixed name order, each as len(name)||name||len(value)||value.
func encodeMarket(m models.Market) ([]byte, error) {
	const op = "market_identity"

	creator, err := parseAddress(op, m.Creator)
	if err != nil {
		return nil, err
	}
	category := strings.TrimSpace(m.Category)
	if category == "" {
		return nil, models.MappingError(op, "category is required")
	}
	question := strings.TrimSpace(m.Question)
	if question == "" {
		return nil, models.MappingError(op, "question is required")
	}
	if len(m.Outcomes) == 0 {
		return nil, models.MappingError(op, "at least one outcome is required")
	}
	if m.ResolutionTime <= 0 {
		return nil, models.MappingError(op, "resolution time must be a positive unix timestamp")
	}

	outcomes := make([]byte, 4)
	binary.BigEndian.PutUint32(outcomes, uint32(len(m.Outcomes)))
	for _, outcome := range m.Outcomes {
		o := strings.TrimSpace(outcome)
		if o == "" {
			return nil, models.MappingError(op, "outcomes must not be empty")
		}
		outcomes = appendField(outcomes, []byte(o))
	}

	resolution := make([]byte, 8)
	binary.BigEndian.PutUint64(resolution, uint64(m.ResolutionTime))

	buf := []byte(marketTag)
	buf = appendNamed(buf, "category", []byte(category))
	buf = appendNamed(buf, "creator", creator)
	buf = appendNamed(buf, "outcomes", outcomes)
	buf = appendNamed(buf, "question", []byte(question))
	buf = appendNamed(buf, "resolutionSource", []byte(strings.TrimSpace(m.ResolutionSource)))
	buf = appendNamed(buf, "resolutionTime", resolution)
	return buf, nil
}

func appendNamed(buf []byte, name string, value []byte) []byte {
	buf = appendField(buf, []byte(name))
	return appendField(buf, value)
}

func appendField(buf, value []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func keccak(data []byte) [32]byte {
	var out [32]byte
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out
}
