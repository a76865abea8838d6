package identity

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"nullifier/internal/nullification/models"
)

const addressHexLen = 40

// NormalizeAddress validates an address and returns its lowercase 0x form. All-lower and
// all-upper hex are accepted as unchecksummed input; mixed case must be a valid EIP-55
// checksum.
func NormalizeAddress(addr string) (string, error) {
	raw, err := parseAddress("normalize_address", addr)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(raw), nil
}

// ChecksumAddress returns the EIP-55 mixed-case form of addr.
func ChecksumAddress(addr string) (string, error) {
	raw, err := parseAddress("checksum_address", addr)
	if err != nil {
		return "", err
	}
	return checksum(hex.EncodeToString(raw)), nil
}

func parseAddress(op, addr string) ([]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return nil, models.MappingError(op, "address must start with 0x")
	}
	digits := trimmed[2:]
	if len(digits) != addressHexLen {
		return nil, models.MappingError(op, "address must have 40 hex digits")
	}
	raw, err := hex.DecodeString(digits)
	if err != nil {
		return nil, models.MappingError(op, "address contains non-hex characters")
	}
	lower := strings.ToLower(digits)
	upper := strings.ToUpper(digits)
	if digits != lower && digits != upper && checksum(lower)[2:] != digits {
		return nil, models.MappingError(op, "address checksum mismatch")
	}
	return raw, nil
}

// checksum applies EIP-55 to a 40-char lowercase hex string.
func checksum(lowerHex string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lowerHex))
	digest := h.Sum(nil)

	out := []byte(lowerHex)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}
