package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

// DeviceAttributes are what a client reports about itself. Explicit
// fields win over whatever the user agent suggests.
type DeviceAttributes struct {
	UserAgent  string
	Browser    string
	OS         string
	DeviceType string
}

// Fingerprint hashes the normalized browser, OS and device families.
// Versions are ignored. Returns "" when nothing identifying is known.
func Fingerprint(attrs DeviceAttributes) string {
	browser, os, device := ParseUserAgent(attrs.UserAgent)
	if v := normalize(attrs.Browser); v != "" {
		browser = v
	}
	if v := normalize(attrs.OS); v != "" {
		os = v
	}
	if v := normalize(attrs.DeviceType); v != "" {
		device = v
	}
	if browser == "" && os == "" && device == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(browser + "|" + os + "|" + device))
	return hex.EncodeToString(sum[:])
}

// ordered most specific first; Chrome UAs also say Safari, Edge UAs say Chrome
var browserTokens = []struct{ token, family string }{
	{"edg/", "edge"},
	{"opr/", "opera"},
	{"firefox/", "firefox"},
	{"chrome/", "chrome"},
	{"crios/", "chrome"},
	{"safari/", "safari"},
	{"curl/", "curl"},
}

var osTokens = []struct{ token, family string }{
	{"windows", "windows"},
	{"android", "android"},
	{"iphone", "ios"},
	{"ipad", "ios"},
	{"mac os x", "macos"},
	{"cros", "chromeos"},
	{"linux", "linux"},
}

// ParseUserAgent extracts coarse browser, OS and device families.
func ParseUserAgent(ua string) (browser, os, device string) {
	ua = strings.ToLower(ua)
	if ua == "" {
		return "", "", ""
	}
	for _, b := range browserTokens {
		if strings.Contains(ua, b.token) {
			browser = b.family
			break
		}
	}
	for _, o := range osTokens {
		if strings.Contains(ua, o.token) {
			os = o.family
			break
		}
	}
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		device = "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone"):
		device = "mobile"
	case browser != "" || os != "":
		device = "desktop"
	}
	if browser == "" && os == "" {
		browser = "other"
	}
	return browser, os, device
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NetworkPrefix returns the masked network of addr, /v4 bits for IPv4 and
// /v6 bits for IPv6. IPv4-mapped IPv6 addresses count as IPv4.
func NetworkPrefix(addr string, v4, v6 int) string {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return ""
	}
	ip = ip.Unmap()
	bits := v6
	if ip.Is4() {
		bits = v4
	}
	p, err := ip.WithZone("").Prefix(bits)
	if err != nil {
		return ""
	}
	return p.String()
}
