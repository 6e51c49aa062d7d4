// Package csrf keeps the anti-forgery token the console sends back to the
// API with every state-changing call (double-submit cookie pattern).
package csrf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/wudi/consoleguard/internal/logging"
	"github.com/wudi/consoleguard/internal/metrics"
	"github.com/wudi/consoleguard/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Default transport names.
const (
	DefaultHeaderName = "X-CSRF-Token"
	DefaultCookieName = "XSRF-TOKEN"
	DefaultMetaName   = "csrf-token"
)

// maxTokenResponse bounds the token endpoint response body.
const maxTokenResponse = 16 << 10

// Token sources, as recorded in metrics.
const (
	SourceMeta     = "meta"
	SourceCookie   = "cookie"
	SourceServer   = "server"
	SourceFallback = "fallback"
	SourceNone     = "none"
)

// Options configures a Store.
type Options struct {
	Endpoint       string // absolute URL of the token endpoint
	CookieName     string
	MetaName       string
	FetchTimeout   time.Duration
	ClientFallback bool // adopt a client-generated token when the fetch fails
}

// Store holds the current token. It is either Absent (Token returns "") or
// Present. Every obtained token is mirrored to the page tag and the cookie.
type Store struct {
	opts    Options
	client  *http.Client
	doc     platform.DocumentHead
	jar     platform.CookieJar
	random  platform.RandomSource
	metrics *metrics.Collector
	group   singleflight.Group

	mu     sync.RWMutex
	token  string
	subs   map[int]chan string
	nextID int
}

// NewStore creates an Absent store. doc and jar may be nil when the host has
// no page or cookie store; client defaults to http.DefaultClient.
func NewStore(opts Options, client *http.Client, doc platform.DocumentHead, jar platform.CookieJar, random platform.RandomSource, m *metrics.Collector) *Store {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.MetaName == "" {
		opts.MetaName = DefaultMetaName
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{
		opts:    opts,
		client:  client,
		doc:     doc,
		jar:     jar,
		random:  random,
		metrics: m,
		subs:    make(map[int]chan string),
	}
}

// Init resolves the initial token from the page tag, then the cookie, then
// the token endpoint. A failed fetch leaves the store Absent unless client
// fallback is enabled. Init never fails; the source used is returned.
func (s *Store) Init(ctx context.Context) string {
	if s.doc != nil {
		if tok, ok := s.doc.Meta(s.opts.MetaName); ok && tok != "" {
			s.adopt(tok, SourceMeta)
			return SourceMeta
		}
	}
	if s.jar != nil {
		if tok, ok := s.jar.Get(s.opts.CookieName); ok && tok != "" {
			s.adopt(tok, SourceCookie)
			return SourceCookie
		}
	}

	_, err := s.Refresh(ctx)
	if err == nil {
		s.metrics.RecordTokenSource(SourceServer)
		return SourceServer
	}
	logging.Warn("failed to fetch anti-forgery token", zap.String("endpoint", s.opts.Endpoint), zap.Error(err))

	if s.opts.ClientFallback {
		tok, err := GenerateToken(s.random)
		if err == nil {
			logging.Warn("using client-generated anti-forgery token")
			s.adopt(tok, SourceFallback)
			return SourceFallback
		}
		logging.Error("failed to generate anti-forgery token", zap.Error(err))
	}

	s.metrics.RecordTokenSource(SourceNone)
	return SourceNone
}

// Token returns the current token, or "" when Absent.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Refresh fetches a new token from the endpoint. On success the token is
// cached and mirrored; on failure the state is unchanged. Concurrent calls
// share one fetch.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		// the shared fetch outlives any single caller
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
		defer cancel()
		return s.fetch(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if !res.Shared {
				s.metrics.RecordTokenRefresh("error")
			}
			return "", res.Err
		}
		tok := res.Val.(string)
		s.set(tok)
		if !res.Shared {
			s.metrics.RecordTokenRefresh("ok")
		}
		return tok, nil
	}
}

func (s *Store) fetch(ctx context.Context) (string, error) {
	if s.opts.Endpoint == "" {
		return "", fmt.Errorf("no token endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.Endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	tok := gjson.GetBytes(body, "csrfToken").String()
	if tok == "" {
		return "", fmt.Errorf("token response has no csrfToken")
	}
	return tok, nil
}

// Clear makes the store Absent and removes the page tag and the cookie.
func (s *Store) Clear() {
	if s.doc != nil {
		s.doc.RemoveMeta(s.opts.MetaName)
	}
	if s.jar != nil {
		s.jar.Delete(s.opts.CookieName)
	}

	s.mu.Lock()
	s.token = ""
	s.publish("")
	s.mu.Unlock()
}

// Subscribe returns a stream of token values starting with the current one
// and a function that ends the subscription. A slow reader only sees the
// latest value. "" means the store became Absent.
func (s *Store) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.token
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) adopt(tok, source string) {
	s.set(tok)
	s.metrics.RecordTokenSource(source)
	logging.Debug("anti-forgery token loaded", zap.String("source", source))
}

// set caches tok and mirrors it to the page tag and, when missing, the
// cookie.
func (s *Store) set(tok string) {
	if s.doc != nil {
		s.doc.SetMeta(s.opts.MetaName, tok)
	}
	if s.jar != nil {
		if cur, ok := s.jar.Get(s.opts.CookieName); !ok || cur != tok {
			s.jar.Set(s.opts.CookieName, tok)
		}
	}

	s.mu.Lock()
	changed := s.token != tok
	s.token = tok
	if changed {
		s.publish(tok)
	}
	s.mu.Unlock()
}

// publish must be called with mu held.
func (s *Store) publish(tok string) {
	for _, ch := range s.subs {
		select {
		case ch <- tok:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- tok
		}
	}
}
