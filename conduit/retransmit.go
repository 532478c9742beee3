package conduit

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// retransmitTarget the address the request is sent to again after resp,
// nil when resp is final
func (s *OutputStream) retransmitTarget(resp *Response) (*url.URL, error) {
	if limit := s.policy.MaxRetransmits; limit == 0 || (limit > 0 && s.retransmits >= limit) {
		return nil, nil
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return s.authRetransmit(resp, false)
	case http.StatusProxyAuthRequired:
		return s.authRetransmit(resp, true)
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return s.redirectTarget(resp)
	}
	return nil, nil
}

// authRetransmit answers a 401 or 407 challenge. It gives up, returning
// the challenge to the caller, when no new credentials are available.
func (s *OutputStream) authRetransmit(resp *Response, proxy bool) (*url.URL, error) {
	challengeHeader := "WWW-Authenticate"
	policy := s.conduit.authPolicy(s.msg)
	sent := s.authorization
	if proxy {
		challengeHeader = "Proxy-Authenticate"
		policy = s.conduit.proxyAuthPolicy(s.msg)
		sent = s.proxyAuthorization
	}
	challenge := resp.Header.Get(challengeHeader)
	if len(challenge) == 0 {
		return nil, nil
	}
	realm := challengeRealm(challenge)

	var value string
	if supplier := s.conduit.endpoint.AuthSupplier; supplier != nil {
		value = supplier.AuthorizationForRealm(policy, s.url, realm, challenge)
	} else if strings.HasPrefix(strings.ToLower(challenge), "basic") {
		value = policy.header()
	}
	if len(value) == 0 || value == sent {
		return nil, nil
	}

	seen := s.url.String() + "|" + realm
	if proxy {
		seen = "proxy|" + seen
	}
	if s.authSeen[seen] {
		return nil, errors.Wrapf(ErrAuthLoop, "%s realm %q", s.url, realm)
	}
	s.authSeen[seen] = true
	if proxy {
		s.proxyAuthorization = value
	} else {
		s.authorization = value
	}
	return s.url, nil
}

// challengeRealm the realm parameter of a challenge, empty if absent
func challengeRealm(challenge string) string {
	i := strings.Index(strings.ToLower(challenge), "realm=")
	if i < 0 {
		return ""
	}
	v := challenge[i+len("realm="):]
	if strings.HasPrefix(v, `"`) {
		v = v[1:]
		if end := strings.IndexByte(v, '"'); end >= 0 {
			return v[:end]
		}
		return v
	}
	if end := strings.IndexAny(v, ", "); end >= 0 {
		return v[:end]
	}
	return v
}

// redirectTarget follows a redirect when AutoRedirect is set. A 303, and
// a 301 or 302 answering a POST, turn the request into a GET.
func (s *OutputStream) redirectTarget(resp *Response) (*url.URL, error) {
	if !s.policy.AutoRedirect {
		return nil, nil
	}
	location := resp.Header.Get("Location")
	if len(location) == 0 {
		return nil, nil
	}
	next, err := s.url.Parse(location)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedURL, "redirect to %s: %s", location, err)
	}
	if next.Scheme != "http" && next.Scheme != "https" {
		return nil, errors.Wrapf(ErrUnsupportedScheme, "redirect to %s", location)
	}
	if len(next.Path) == 0 {
		next.Path = "/"
	}
	if s.visited[next.String()] {
		return nil, errors.Wrapf(ErrRedirectLoop, "%s redirected to %s", s.url, next)
	}
	s.visited[next.String()] = true

	switch {
	case resp.StatusCode == http.StatusSeeOther && s.method != http.MethodHead,
		(resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) &&
			s.method == http.MethodPost:
		s.method = http.MethodGet
		s.header.Del("Content-Type")
	}
	s.header.Del("Authorization")
	s.header.Del("Proxy-Authorization")
	s.proxyAuthorization = ""
	s.authorization = s.preemptiveAuthorization(next)
	return next, nil
}
