package referral

import (
	"crypto/rand"

	"github.com/punchcardhq/punchcard/internal/types"
)

// codeAlphabet excludes 0/O, 1/I/L and other glyphs customers confuse when
// reading a code off a receipt or over the phone.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// limit is the largest multiple of len(codeAlphabet) below 256. Bytes at or
// above it are rejected so every alphabet character is equally likely.
const limit = 256 - 256%len(codeAlphabet)

// NewCode generates a referral code from the unambiguous alphabet.
func NewCode() string {
	code := make([]byte, 0, types.ReferralCodeLength)
	buf := make([]byte, types.ReferralCodeLength)
	for len(code) < types.ReferralCodeLength {
		if _, err := rand.Read(buf); err != nil {
			panic(err)
		}
		for _, b := range buf {
			if int(b) >= limit || len(code) == types.ReferralCodeLength {
				continue
			}
			code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
		}
	}
	return string(code)
}
