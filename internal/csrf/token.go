package csrf

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/wudi/consoleguard/internal/platform"
	"github.com/wudi/consoleguard/internal/sanitize"
)

// TokenLength is the length in hex characters of a well-formed token.
const TokenLength = 64

// GenerateToken returns 32 random bytes as 64 lowercase hex characters.
func GenerateToken(random platform.RandomSource) (string, error) {
	b, err := platform.Bytes(random, TokenLength/2)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ValidateToken checks that token is exactly 64 hex characters.
func ValidateToken(token string) sanitize.Verdict {
	var v sanitize.Verdict
	if token == "" {
		v.Add("token is required")
		return v
	}
	if len(token) != TokenLength {
		v.Add("token must be %d characters", TokenLength)
	}
	for i := 0; i < len(token); i++ {
		if !isHex(token[i]) {
			v.Add("token must be hexadecimal")
			break
		}
	}
	return v
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// VerifyDoubleSubmit reports whether the header and cookie carry the same
// non-empty token. The comparison takes constant time.
func VerifyDoubleSubmit(header, cookie string) bool {
	if header == "" || cookie == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) == 1
}

// VerifyRequest performs the double-submit check on an incoming request.
// Safe methods pass without a token. The returned reason is empty on
// success.
func VerifyRequest(r *http.Request, cookieName, headerName string) (bool, string) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true, ""
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if headerName == "" {
		headerName = DefaultHeaderName
	}

	cookieToken := ""
	if c, err := r.Cookie(cookieName); err == nil {
		cookieToken = c.Value
	}
	headerToken := r.Header.Get(headerName)

	if cookieToken == "" && headerToken == "" {
		return false, "CSRF token missing"
	}
	if cookieToken == "" || headerToken == "" {
		return false, "CSRF token missing in cookie or header"
	}
	if !VerifyDoubleSubmit(headerToken, cookieToken) {
		return false, "CSRF token mismatch"
	}
	return true, ""
}

// Middleware rejects state-changing requests that fail the double-submit
// check with 403.
func Middleware(cookieName, headerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, reason := VerifyRequest(r, cookieName, headerName); !ok {
			http.Error(w, reason, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
