package util

import (
	"encoding/base32"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var base32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Normalize applies NFKD normalization so visually identical passwords
// hash identically regardless of input method.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func Base32UpperNoPadding(b []byte) string {
	return base32NoPadding.EncodeToString(b)
}

func Base32LowerNoPadding(b []byte) string {
	return strings.ToLower(base32NoPadding.EncodeToString(b))
}
