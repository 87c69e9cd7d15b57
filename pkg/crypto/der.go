package crypto

import (
	"errors"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var errMalformedDER = errors.New("malformed DER ECDSA signature")

// derToRaw converts an ASN.1 DER ECDSA signature to the fixed-width r||s
// form JWS requires.
func derToRaw(der []byte) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, errMalformedDER
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > 8*coordSize || s.BitLen() > 8*coordSize {
		return nil, errMalformedDER
	}

	raw := make([]byte, 2*coordSize)
	r.FillBytes(raw[:coordSize])
	s.FillBytes(raw[coordSize:])
	return raw, nil
}
