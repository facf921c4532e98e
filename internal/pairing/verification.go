package pairing

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
)

// GenerateVerificationKey reproduces spec.md §4.G exactly:
//
//  1. h1, h2 := SPKI-DER-hex(certA), SPKI-DER-hex(certB)
//  2. sort {h1, h2} ascending, then reverse (larger hex string first)
//  3. sha256(fromHex(sorted[0]) || fromHex(sorted[1]) || decimal(floor(timestampMs/1000)))
//  4. uppercase(hex(digest)[:8])
//
// It is symmetric in (certA, certB) and changes only when the
// second-granularity bucket of timestampMs changes.
func GenerateVerificationKey(certA, certB *x509.Certificate, timestampMs int64) (string, error) {
	hexA := hex.EncodeToString(certA.RawSubjectPublicKeyInfo)
	hexB := hex.EncodeToString(certB.RawSubjectPublicKeyInfo)

	sorted := []string{hexA, hexB}
	sort.Strings(sorted)
	sorted[0], sorted[1] = sorted[1], sorted[0] // ascending then reversed: larger first

	bytesA, err := hex.DecodeString(sorted[0])
	if err != nil {
		return "", fmt.Errorf("decode first spki: %w", err)
	}
	bytesB, err := hex.DecodeString(sorted[1])
	if err != nil {
		return "", fmt.Errorf("decode second spki: %w", err)
	}

	seconds := timestampMs / 1000
	h := sha256.New()
	h.Write(bytesA)
	h.Write(bytesB)
	h.Write([]byte(strconv.FormatInt(seconds, 10)))
	digest := h.Sum(nil)

	return fmt.Sprintf("%X", digest[:4]), nil
}
