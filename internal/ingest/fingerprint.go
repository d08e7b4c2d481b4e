package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// Fingerprint derives the visitor identity used for unique-visitor counting.
// The same hostname, user agent and address always give the same value; the
// address itself is never stored.
func Fingerprint(salt, hostname, userAgent, ip string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte(hostname))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeIP(ip)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeIP strips a port from remoteAddr, leaving bare addresses alone.
func NormalizeIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if strings.Contains(remoteAddr, ":") {
		host, _, err := net.SplitHostPort(remoteAddr)
		if err == nil {
			return host
		}
	}
	return remoteAddr
}
