package transfer

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

// NewClient builds the HTTP client used for transfers. timeout bounds dialing,
// the TLS handshake and waiting for response headers but not the body, which
// may take hours. proxy may be nil.
func NewClient(timeout time.Duration, proxy *url.URL) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != nil {
		tr.Proxy = http.ProxyURL(proxy)
	}
	if timeout > 0 {
		tr.DialContext = (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		tr.TLSHandshakeTimeout = timeout
		tr.ResponseHeaderTimeout = timeout
	}
	return &http.Client{Transport: tr}
}
