package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/micro-hub/hub-bridge/internal/rollingcode"
)

const (
	paramToken = "token"
	paramCode  = "code"
)

// RequestBuilder assembles authenticated hub requests. Every request carries
// the static token and the current rolling code; operation parameters can
// never shadow either key.
type RequestBuilder struct {
	baseURL string
	token   string
	codes   *rollingcode.Generator
}

// NewRequestBuilder creates a builder for the given hub address. baseURL is
// normalized without a trailing slash.
func NewRequestBuilder(baseURL, token string, codes *rollingcode.Generator) *RequestBuilder {
	return &RequestBuilder{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:   token,
		codes:   codes,
	}
}

// Get builds an authenticated GET request for one operation path.
func (b *RequestBuilder) Get(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(path, params), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// PostJSON builds an authenticated POST request with a JSON body. The auth
// pair still travels in the query string; the hub firmware reads it from
// there for every method.
func (b *RequestBuilder) PostJSON(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(path, nil), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (b *RequestBuilder) endpoint(path string, params url.Values) string {
	query := url.Values{}
	for key, values := range params {
		if key == paramToken || key == paramCode {
			continue
		}
		for _, value := range values {
			query.Add(key, value)
		}
	}
	query.Set(paramToken, b.token)
	query.Set(paramCode, b.codes.Code())
	return b.baseURL + "/" + strings.TrimPrefix(path, "/") + "?" + query.Encode()
}
