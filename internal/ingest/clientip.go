package ingest

import (
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	unknownIP         = "0.0.0.0"
	maxUserAgentRunes = 500
)

// ClientInfo is what the transport knows about the submitting client.
type ClientInfo struct {
	TrustedIP    string // value of the trusted proxy header
	ForwardedFor string // raw X-Forwarded-For
	RemoteAddr   string
	UserAgent    string
	Referrer     string
}

// ClientInfoFromRequest collects client details, reading the proxy IP from trustedHeader.
func ClientInfoFromRequest(r *http.Request, trustedHeader string) ClientInfo {
	ci := ClientInfo{
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RemoteAddr:   r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		Referrer:     r.Referer(),
	}
	if trustedHeader != "" {
		ci.TrustedIP = r.Header.Get(trustedHeader)
	}
	return ci
}

// IP resolves the client address: trusted header, then the first forwarded-for entry,
// then the peer address, then 0.0.0.0.
func (c ClientInfo) IP() string {
	if ip := validIP(c.TrustedIP); ip != "" {
		return ip
	}
	if c.ForwardedFor != "" {
		first, _, _ := strings.Cut(c.ForwardedFor, ",")
		if ip := validIP(first); ip != "" {
			return ip
		}
	}
	if ip := c.peerIP(); ip != "" {
		return ip
	}
	return unknownIP
}

// LimitKey identifies the caller for rate limiting. It ignores X-Forwarded-For, which
// any caller can set, and uses only the trusted header or the peer address.
func (c ClientInfo) LimitKey() string {
	if ip := validIP(c.TrustedIP); ip != "" {
		return ip
	}
	if ip := c.peerIP(); ip != "" {
		return ip
	}
	return unknownIP
}

func (c ClientInfo) peerIP() string {
	host := c.RemoteAddr
	if h, _, err := net.SplitHostPort(c.RemoteAddr); err == nil {
		host = h
	}
	return validIP(host)
}

// TruncatedUserAgent caps the user agent at 500 characters.
func (c ClientInfo) TruncatedUserAgent() string {
	ua := c.UserAgent
	if utf8.RuneCountInString(ua) <= maxUserAgentRunes {
		return ua
	}
	return string([]rune(ua)[:maxUserAgentRunes])
}

func validIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}
