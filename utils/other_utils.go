package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/AdguardTeam/golibs/log"
)

// RandomInt64 returns a uniform random value in [min, max), used to jitter
// retry backoff between candidate probe attempts so a burst of failing
// candidates doesn't retry in lockstep.
func RandomInt64(min, max int64) (int64, error) {
	if min == max {
		return min, nil
	}

	span := new(big.Int).SetInt64(max - min)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		log.Error("utils: generating random value: %v", err)
		return min, err
	}
	return n.Int64() + min, nil
}

// ShortText truncates s to at most maxLen bytes without splitting a UTF-8
// rune, used when logging judge response bodies that may otherwise
// dominate a log line.
func ShortText(s string, maxLen int) string {
	if len(s) < maxLen {
		return s
	}
	if utf8.ValidString(s[:maxLen]) {
		return s[:maxLen]
	}
	return strings.ToValidUTF8(s[:maxLen], "")
}
