package ledger

import (
	"crypto/sha256"
	"encoding/base64"
)

// GenesisHash is the previous hash of the first record in every chain: the
// base64 encoding of 32 zero bytes. It is the only representation of "no
// predecessor" accepted by ChainHash, and it is written as JSON null on the
// wire.
const GenesisHash = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

// ChainHash links a canonical payload to its predecessor:
//
//	base64(SHA-256(previousHash || canonical))
//
// previousHash must be non-empty; use GenesisHash for the first record.
func ChainHash(previousHash string, canonical []byte) (string, error) {
	if previousHash == "" {
		return "", ErrMissingPreviousHash
	}
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write(canonical)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
