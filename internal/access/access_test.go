package access

import (
	"net/http/httptest"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		host       string
		origin     string
		want       Tier
	}{
		{
			name:       "loopback with localhost host",
			remoteAddr: "127.0.0.1:54321",
			host:       "localhost:3000",
			want:       TierLocalhost,
		},
		{
			name:       "ipv6 loopback",
			remoteAddr: "[::1]:54321",
			host:       "[::1]:3001",
			want:       TierLocalhost,
		},
		{
			name:       "v4-mapped loopback",
			remoteAddr: "[::ffff:127.0.0.1]:54321",
			host:       "127.0.0.1:3000",
			want:       TierLocalhost,
		},
		{
			name:       "loopback with localhost origin",
			remoteAddr: "127.0.0.1:54321",
			host:       "localhost:3000",
			origin:     "http://localhost:3000",
			want:       TierLocalhost,
		},
		{
			name:       "tunnel to loopback is not local",
			remoteAddr: "127.0.0.1:54321",
			host:       "example.tunnel.app",
			want:       TierInternet,
		},
		{
			name:       "loopback socket with remote origin",
			remoteAddr: "127.0.0.1:54321",
			host:       "localhost:3000",
			origin:     "https://attacker.example.com",
			want:       TierInternet,
		},
		{
			name:       "origin merely prefixed with localhost",
			remoteAddr: "127.0.0.1:54321",
			host:       "localhost:3000",
			origin:     "http://localhost.evil.example",
			want:       TierInternet,
		},
		{
			name:       "mdns host",
			remoteAddr: "192.168.1.20:54321",
			host:       "devbox.local:3001",
			want:       TierLAN,
		},
		{
			name:       "rfc1918 host",
			remoteAddr: "192.168.1.20:54321",
			host:       "192.168.1.5:3001",
			want:       TierLAN,
		},
		{
			name:       "link local host",
			remoteAddr: "169.254.10.3:54321",
			host:       "169.254.10.1:3001",
			want:       TierLAN,
		},
		{
			name:       "public name",
			remoteAddr: "203.0.113.9:54321",
			host:       "shell.example.com",
			want:       TierInternet,
		},
		{
			name:       "public ip",
			remoteAddr: "203.0.113.9:54321",
			host:       "203.0.113.50:3000",
			want:       TierInternet,
		},
		{
			name:       "localhost host from remote socket is lan-or-worse",
			remoteAddr: "192.168.1.20:54321",
			host:       "localhost:3000",
			want:       TierInternet,
		},
	}

	var d Detector
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := d.Detect(r); got != tt.want {
				t.Errorf("Detect() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetectNoAuth(t *testing.T) {
	d := Detector{NoAuth: true}
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	r.Host = "shell.example.com"
	if got := d.Detect(r); got != TierLocalhost {
		t.Errorf("Detect() with NoAuth = %s, want localhost", got)
	}
}

func TestTierString(t *testing.T) {
	if TierLocalhost.String() != "localhost" || TierLAN.String() != "lan" || TierInternet.String() != "internet" {
		t.Error("tier names do not match the wire values")
	}
}
