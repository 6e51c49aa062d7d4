package csp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/wudi/consoleguard/internal/logging"
	"go.uber.org/zap"
)

// maxReportSize bounds a decoded violation report body.
const maxReportSize = 64 << 10

// Violation is one policy violation, in the shape posted to the reporting
// endpoint.
type Violation struct {
	DocumentURI        string    `json:"documentURI"`
	Referrer           string    `json:"referrer"`
	BlockedURI         string    `json:"blockedURI"`
	ViolatedDirective  string    `json:"violatedDirective"`
	EffectiveDirective string    `json:"effectiveDirective"`
	OriginalPolicy     string    `json:"originalPolicy"`
	SourceFile         string    `json:"sourceFile"`
	LineNumber         int       `json:"lineNumber"`
	ColumnNumber       int       `json:"columnNumber"`
	Timestamp          time.Time `json:"timestamp"`
	UserAgent          string    `json:"userAgent"`
}

// Directive returns the effective directive, or the violated one when the
// report carries no effective directive.
func (v Violation) Directive() string {
	if v.EffectiveDirective != "" {
		return v.EffectiveDirective
	}
	return v.ViolatedDirective
}

// report field paths for each accepted shape
var (
	legacyFields = map[string]string{ // {"csp-report": {...}}
		"doc": "document-uri", "ref": "referrer", "blocked": "blocked-uri",
		"violated": "violated-directive", "effective": "effective-directive",
		"policy": "original-policy", "file": "source-file",
		"line": "line-number", "col": "column-number",
	}
	reportingFields = map[string]string{ // [{"type": "csp-violation", "body": {...}}]
		"doc": "documentURL", "ref": "referrer", "blocked": "blockedURL",
		"violated": "effectiveDirective", "effective": "effectiveDirective",
		"policy": "originalPolicy", "file": "sourceFile",
		"line": "lineNumber", "col": "columnNumber",
	}
	flatFields = map[string]string{ // the Violation JSON itself
		"doc": "documentURI", "ref": "referrer", "blocked": "blockedURI",
		"violated": "violatedDirective", "effective": "effectiveDirective",
		"policy": "originalPolicy", "file": "sourceFile",
		"line": "lineNumber", "col": "columnNumber",
	}
)

// DecodeReport reads a violation report in the browser's report-uri
// envelope, the Reporting API array form, or the flat Violation form.
func DecodeReport(r io.Reader) (Violation, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxReportSize+1))
	if err != nil {
		return Violation{}, fmt.Errorf("read report: %w", err)
	}
	if len(data) > maxReportSize {
		return Violation{}, fmt.Errorf("report exceeds %d bytes", maxReportSize)
	}
	if !gjson.ValidBytes(data) {
		return Violation{}, fmt.Errorf("report is not valid JSON")
	}

	root := gjson.ParseBytes(data)
	var body gjson.Result
	var fields map[string]string
	switch {
	case root.Get("csp-report").IsObject():
		body, fields = root.Get("csp-report"), legacyFields
	case root.IsArray():
		body, fields = root.Get("0.body"), reportingFields
	case root.IsObject():
		body, fields = root, flatFields
	}
	if !body.IsObject() {
		return Violation{}, fmt.Errorf("report has no violation body")
	}

	v := Violation{
		DocumentURI:        body.Get(fields["doc"]).String(),
		Referrer:           body.Get(fields["ref"]).String(),
		BlockedURI:         body.Get(fields["blocked"]).String(),
		ViolatedDirective:  body.Get(fields["violated"]).String(),
		EffectiveDirective: body.Get(fields["effective"]).String(),
		OriginalPolicy:     body.Get(fields["policy"]).String(),
		SourceFile:         body.Get(fields["file"]).String(),
		LineNumber:         int(body.Get(fields["line"]).Int()),
		ColumnNumber:       int(body.Get(fields["col"]).Int()),
		UserAgent:          body.Get("userAgent").String(),
	}
	if v.UserAgent == "" && root.IsArray() {
		v.UserAgent = root.Get("0.user_agent").String()
	}
	if ts := body.Get("timestamp"); ts.Exists() {
		v.Timestamp = ts.Time()
	}
	if v.Directive() == "" {
		return Violation{}, fmt.Errorf("report names no directive")
	}
	return v, nil
}

// OnViolation logs the violation and, in production, forwards it to the
// reporting endpoint. Forwarding is throttled and best effort: failures are
// logged and never returned.
func (b *Builder) OnViolation(ctx context.Context, v Violation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}

	b.metrics.RecordViolation(v.Directive())
	logging.Warn("content security policy violation",
		zap.String("blocked_uri", v.BlockedURI),
		zap.String("directive", v.Directive()),
		zap.String("document_uri", v.DocumentURI),
		zap.String("source_file", v.SourceFile),
		zap.Int("line", v.LineNumber),
		zap.Int("column", v.ColumnNumber),
	)

	b.mu.RLock()
	production := b.opts.Production
	endpoint := b.opts.ReportEndpoint
	limiter := b.limiter
	b.mu.RUnlock()

	if !production || endpoint == "" {
		return
	}
	if !limiter.Allow() {
		logging.Debug("violation report throttled", zap.String("directive", v.Directive()))
		return
	}
	if err := b.forward(ctx, endpoint, v); err != nil {
		logging.Warn("failed to forward violation report", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (b *Builder) forward(ctx context.Context, endpoint string, v Violation) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reporting endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// ReportHandler accepts violation reports posted by browsers to a host that
// serves the console.
func (b *Builder) ReportHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		v, err := DecodeReport(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if v.UserAgent == "" {
			v.UserAgent = r.UserAgent()
		}
		b.OnViolation(r.Context(), v)
		w.WriteHeader(http.StatusNoContent)
	})
}
