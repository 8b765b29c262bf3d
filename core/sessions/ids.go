package sessions

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	idLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	idDigits  = "0123456789"
)

// newSessionID generates a human-shareable id such as "KQT-407". Ambiguous
// letters (I, O) are left out.
func newSessionID() string {
	return fmt.Sprintf("%s-%s", randomString(idLetters, 3), randomString(idDigits, 3))
}

func randomString(alphabet string, n int) string {
	out := make([]byte, 0, n)
	buf := make([]byte, 1)
	limit := 256 - 256%len(alphabet)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		if int(buf[0]) >= limit {
			continue
		}
		out = append(out, alphabet[int(buf[0])%len(alphabet)])
	}
	return string(out)
}

// NormalizeSessionID canonicalises a typed session id so "abc-123 " finds
// session "ABC-123".
func NormalizeSessionID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
