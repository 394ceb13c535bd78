package ssrf

import (
	"errors"
	"net/http"
	"time"
)

const maxRedirects = 10

// NewHTTPClient returns an http.Client whose transport refuses private
// addresses at dial time and whose redirects are revalidated with ValidateURL.
// The returned client has no overall timeout; callers bound requests with a
// context deadline.
func NewHTTPClient(dialTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = SafeDialContext(dialTimeout)
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("stopped after 10 redirects")
			}
			_, err := ValidateURL(req.URL.String())
			return err
		},
	}
}
