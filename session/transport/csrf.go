package transport

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

// DefaultAntiForgeryCookie is the readable cookie holding the anti-forgery token (double-submit pattern).
const DefaultAntiForgeryCookie = "csrfToken"

// CookieTokenSource reads the anti-forgery token from a cookie jar.
// The jar is consulted on every call, so a token rotated by the server is picked up immediately.
type CookieTokenSource struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

// NewCookieTokenSource returns a CookieTokenSource reading DefaultAntiForgeryCookie for rawURL.
func NewCookieTokenSource(jar http.CookieJar, rawURL string) (*CookieTokenSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	return &CookieTokenSource{
		Jar:  jar,
		URL:  u,
		Name: DefaultAntiForgeryCookie,
	}, nil
}

func (s *CookieTokenSource) AntiForgeryToken() (string, bool) {
	if s.Jar == nil {
		return "", false
	}

	for _, cookie := range s.Jar.Cookies(s.URL) {
		if cookie.Name == s.Name && cookie.Value != "" {
			return cookie.Value, true
		}
	}

	return "", false
}

// NewHTTPClient returns a client with a cookie jar, so the HttpOnly refresh cookie
// and the anti-forgery cookie travel with every request.
// The same client must be shared by the transport and the pipeline.
func NewHTTPClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}, nil
}
