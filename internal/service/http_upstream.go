package service

import (
	"net/http"
	"time"

	"github.com/Wei-Shaw/coprox/internal/config"
)

// HTTPUpstream abstracts outbound HTTP so services can be exercised against
// fakes in tests.
type HTTPUpstream interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpClientUpstream struct {
	client *http.Client
}

// NewHTTPClientUpstream returns the default HTTPUpstream backed by a shared
// net/http client. A non-positive timeout falls back to the configured
// default.
func NewHTTPClientUpstream(timeout time.Duration) HTTPUpstream {
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return &httpClientUpstream{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (u *httpClientUpstream) Do(req *http.Request) (*http.Response, error) {
	return u.client.Do(req)
}
