package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wudi/consoleguard/internal/errors"
	"github.com/wudi/consoleguard/internal/sanitize"
)

// JSON sanitizes payload, encodes it and sends it through the guard. A nil
// payload sends no body. The caller closes the response body.
func (g *Guard) JSON(ctx context.Context, method, rawURL string, payload any) (*http.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(sanitize.SanitizeDeep(payload))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindRejected, "request rejected").WithDetails("payload is not JSON encodable")
		}
		if int64(len(body)) > g.opts.MaxBodyBytes {
			return nil, errors.Rejected(fmt.Sprintf("body of %d bytes exceeds %d", len(body), g.opts.MaxBodyBytes))
		}
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, nil)
	}
	if err != nil {
		return nil, errors.Rejected(err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.Do(req)
}
