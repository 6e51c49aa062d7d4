package platform

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestBytes(t *testing.T) {
	b, err := Bytes(nil, 16)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if len(b) != 16 {
		t.Errorf("len = %d, want 16", len(b))
	}

	fixed := bytes.NewReader(bytes.Repeat([]byte{0xab}, 4))
	b, err = Bytes(fixed, 4)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(b, []byte{0xab, 0xab, 0xab, 0xab}) {
		t.Errorf("Bytes = %x", b)
	}

	if _, err := Bytes(failingReader{}, 8); err == nil {
		t.Error("expected error from failing source")
	}
}

func TestMemoryJar(t *testing.T) {
	jar := NewMemoryJar()
	if _, ok := jar.Get("XSRF-TOKEN"); ok {
		t.Error("new jar should be empty")
	}
	jar.Set("XSRF-TOKEN", "abc")
	if v, ok := jar.Get("XSRF-TOKEN"); !ok || v != "abc" {
		t.Errorf("Get = %q, %v", v, ok)
	}
	jar.Delete("XSRF-TOKEN")
	if _, ok := jar.Get("XSRF-TOKEN"); ok {
		t.Error("cookie should be deleted")
	}
}

func TestHTTPJarSharesCookiesWithClient(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("XSRF-TOKEN")
		if err != nil {
			seen <- ""
		} else {
			seen <- c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
	}))
	defer srv.Close()

	jar, err := NewHTTPJar(srv.URL + "/api")
	if err != nil {
		t.Fatalf("NewHTTPJar: %v", err)
	}
	jar.Set("XSRF-TOKEN", "tok")

	client := &http.Client{Jar: jar.Jar()}
	resp, err := client.Get(srv.URL + "/api/orders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if v := <-seen; v != "tok" {
		t.Errorf("server saw cookie %q, want tok", v)
	}
	if v, ok := jar.Get("session"); !ok || v != "s1" {
		t.Errorf("server cookie not visible: %q, %v", v, ok)
	}

	jar.Delete("XSRF-TOKEN")
	if _, ok := jar.Get("XSRF-TOKEN"); ok {
		t.Error("cookie should be deleted")
	}
}

func TestHTMLDocumentMeta(t *testing.T) {
	page := `<!DOCTYPE html><html><head><title>Console</title><meta name="csrf-token" content="abc"></head><body><app-root></app-root></body></html>`
	doc, err := ParseDocument(strings.NewReader(page))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	if v, ok := doc.Meta("csrf-token"); !ok || v != "abc" {
		t.Errorf("Meta = %q, %v", v, ok)
	}

	doc.SetMeta("csrf-token", "def")
	if v, _ := doc.Meta("csrf-token"); v != "def" {
		t.Errorf("Meta after set = %q", v)
	}
	if n := strings.Count(doc.String(), `name="csrf-token"`); n != 1 {
		t.Errorf("expected one token tag, found %d", n)
	}

	doc.RemoveMeta("csrf-token")
	if _, ok := doc.Meta("csrf-token"); ok {
		t.Error("tag should be removed")
	}
	if !strings.Contains(doc.String(), "<app-root>") {
		t.Error("body content should be preserved")
	}
}

func TestHTMLDocumentHTTPEquiv(t *testing.T) {
	doc := NewDocument()
	if _, ok := doc.HTTPEquiv("Content-Security-Policy"); ok {
		t.Error("empty document has no policy")
	}

	doc.SetHTTPEquiv("Content-Security-Policy", "default-src 'self'")
	doc.SetHTTPEquiv("Content-Security-Policy", "default-src 'none'")

	if v, ok := doc.HTTPEquiv("content-security-policy"); !ok || v != "default-src 'none'" {
		t.Errorf("HTTPEquiv = %q, %v", v, ok)
	}
	if n := strings.Count(doc.String(), "http-equiv"); n != 1 {
		t.Errorf("expected one declaration, found %d", n)
	}

	doc.RemoveHTTPEquiv("Content-Security-Policy")
	if _, ok := doc.HTTPEquiv("Content-Security-Policy"); ok {
		t.Error("declaration should be removed")
	}
}

func TestParseDocumentFragment(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader("<p>no head here</p>"))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	doc.SetMeta("csrf-token", "x")
	out := doc.String()
	if !strings.Contains(out, `<head><meta name="csrf-token" content="x"/></head>`) {
		t.Errorf("unexpected render: %s", out)
	}
}
