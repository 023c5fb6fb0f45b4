// Package access classifies HTTP requests into trust tiers. Localhost
// callers already own the machine and bypass auth; LAN and internet
// callers must present a session.
package access

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

type Tier int

const (
	TierInternet Tier = iota
	TierLAN
	TierLocalhost
)

func (t Tier) String() string {
	switch t {
	case TierLocalhost:
		return "localhost"
	case TierLAN:
		return "lan"
	default:
		return "internet"
	}
}

// Detector classifies requests. The zero value is production behavior.
type Detector struct {
	// NoAuth forces every request into the localhost tier. Set from
	// KATULONG_NO_AUTH for tests and local development only.
	NoAuth bool
}

// Detect returns the caller's tier. Localhost requires all three of:
// loopback socket address, a localhost Host header, and a localhost
// Origin when one is present. The Host and Origin conditions stop a
// tunnel that forwards to loopback from being treated as local.
func (d Detector) Detect(r *http.Request) Tier {
	if d.NoAuth {
		return TierLocalhost
	}
	if isLoopbackAddr(r.RemoteAddr) && isLocalhostHost(r.Host) && originAllowsLocal(r.Header.Get("Origin")) {
		return TierLocalhost
	}
	if isLANHost(r.Host) {
		return TierLAN
	}
	return TierInternet
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stripPort removes an optional :port, including the bracketed IPv6
// form, leaving bare IPv6 addresses intact.
func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]")
	}
	return host
}

func isLocalhostHost(hostport string) bool {
	host := stripPort(hostport)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// originAllowsLocal accepts an absent Origin; a present one must parse
// and point at localhost itself, not merely a name starting with it.
func originAllowsLocal(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLANHost(hostport string) bool {
	host := stripPort(hostport)
	if strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
