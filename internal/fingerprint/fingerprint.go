// Package fingerprint derives the cheap change-detection digest stored with
// every conversation record.
//
// The digest covers the message count and a bounded prefix of the first and
// last message. It is not a cryptographic hash: two conversations that only
// differ in the middle collide, which the archive treats as "unchanged".
package fingerprint

import (
	"strconv"
	"unicode/utf16"

	"convarchive/internal/store"
)

// Empty is the fingerprint of a conversation without messages.
const Empty = ""

// PrefixLen is how many UTF-16 code units of the first and last message
// contribute to the digest.
const PrefixLen = 50

// Compute returns the fingerprint of msgs. The result is byte-for-byte the
// value the browser capture extension writes as contentHash, so records
// imported from its exports compare equal to locally captured ones.
func Compute(msgs []store.Message) string {
	if len(msgs) == 0 {
		return Empty
	}
	summary := make([]uint16, 0, 2*PrefixLen+8)
	summary = append(summary, utf16.Encode([]rune(strconv.Itoa(len(msgs))))...)
	summary = append(summary, '-')
	summary = append(summary, prefix(msgs[0].Content)...)
	summary = append(summary, '-')
	summary = append(summary, prefix(msgs[len(msgs)-1].Content)...)

	var h int32
	for _, u := range summary {
		h = h*31 + int32(u)
	}
	return strconv.FormatInt(int64(h), 36)
}

// Equal reports whether two message lists are the same content as far as
// the archive is concerned.
func Equal(a, b []store.Message) bool {
	return Compute(a) == Compute(b)
}

func prefix(s string) []uint16 {
	units := utf16.Encode([]rune(s))
	if len(units) > PrefixLen {
		units = units[:PrefixLen]
	}
	return units
}
