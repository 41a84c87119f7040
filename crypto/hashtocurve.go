// Package crypto has the secp256k1 operations the wallet needs on proofs.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const DomainSeparator = "Secp256k1_HashToCurve_Cashu_"

// HashToCurve maps the message to a point on the curve as specified in NUT-00:
// Y = PublicKey('02' || SHA256(SHA256(DomainSeparator || message) || counter))
// for the first counter that gives a valid point.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgToHash := sha256.Sum256(append([]byte(DomainSeparator), message...))

	var counter uint32
	counterBytes := make([]byte, 4)
	for counter < 1<<16 {
		binary.LittleEndian.PutUint32(counterBytes, counter)
		hash := sha256.Sum256(append(msgToHash[:], counterBytes...))

		point, err := secp256k1.ParsePubKey(append([]byte{0x02}, hash[:]...))
		if err == nil {
			return point, nil
		}
		counter++
	}

	return nil, errors.New("no valid point found")
}

// SecretY returns the hex encoded compressed Y of a proof secret,
// which identifies the proof when checking its state with the mint.
func SecretY(secret string) (string, error) {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}
