package platform

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
)

// CookieJar is the cookie view of the API origin.
type CookieJar interface {
	Get(name string) (string, bool)
	Set(name, value string)
	Delete(name string)
}

// HTTPJar exposes the cookies an http.Client holds for one origin. Cookies
// the server sets on any response are visible through Get, and values written
// with Set are sent on the next request to that origin.
type HTTPJar struct {
	jar  *cookiejar.Jar
	base *url.URL
}

// NewHTTPJar creates a jar bound to the origin of baseURL.
func NewHTTPJar(baseURL string) (*HTTPJar, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &HTTPJar{
		jar:  jar,
		base: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"},
	}, nil
}

// Jar returns the underlying jar for use as http.Client.Jar.
func (j *HTTPJar) Jar() http.CookieJar {
	return j.jar
}

func (j *HTTPJar) Get(name string) (string, bool) {
	for _, c := range j.jar.Cookies(j.base) {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

func (j *HTTPJar) Set(name, value string) {
	j.jar.SetCookies(j.base, []*http.Cookie{{
		Name:     name,
		Value:    value,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	}})
}

func (j *HTTPJar) Delete(name string) {
	j.jar.SetCookies(j.base, []*http.Cookie{{
		Name:   name,
		Path:   "/",
		MaxAge: -1,
	}})
}

// MemoryJar is a CookieJar for hosts without an HTTP cookie store.
type MemoryJar struct {
	mu      sync.RWMutex
	cookies map[string]string
}

// NewMemoryJar creates an empty MemoryJar.
func NewMemoryJar() *MemoryJar {
	return &MemoryJar{cookies: make(map[string]string)}
}

func (j *MemoryJar) Get(name string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.cookies[name]
	return v, ok
}

func (j *MemoryJar) Set(name, value string) {
	j.mu.Lock()
	j.cookies[name] = value
	j.mu.Unlock()
}

func (j *MemoryJar) Delete(name string) {
	j.mu.Lock()
	delete(j.cookies, name)
	j.mu.Unlock()
}
