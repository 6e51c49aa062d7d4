package guard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Header names set on every guarded request.
const (
	HeaderRequestID        = "X-Request-ID"
	HeaderRequestTimestamp = "X-Request-Timestamp"
	HeaderAPIVersion       = "X-API-Version"
)

// headerPair is a pre-computed header name + value.
type headerPair struct {
	Name  string
	Value string
}

// staticHeaders is the fixed part of the security header set.
var staticHeaders = []headerPair{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// StaticHeaders returns a copy of the fixed security headers.
func StaticHeaders() http.Header {
	h := make(http.Header, len(staticHeaders))
	for _, p := range staticHeaders {
		h.Set(p.Name, p.Value)
	}
	return h
}

// applyHeaders sets the static pairs and the per-request fields and returns
// the request id.
func applyHeaders(h http.Header, apiVersion string, now time.Time) string {
	for _, p := range staticHeaders {
		h.Set(p.Name, p.Value)
	}
	id := uuid.New().String()
	h.Set(HeaderRequestID, id)
	h.Set(HeaderRequestTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
	if apiVersion != "" {
		h.Set(HeaderAPIVersion, apiVersion)
	}
	return id
}
