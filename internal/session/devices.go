package session

import (
	"net"
	"strings"
)

// deriveDevice classifies a user agent into coarse device/OS/browser labels.
// Labels are a display convenience only and never feed security decisions.
func deriveDevice(userAgent string) (device, os, browser string) {
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		device = "Tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		device = "Mobile"
	case ua == "":
		device = "Unknown"
	default:
		device = "Desktop"
	}

	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		os = "iOS"
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		os = "macOS"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	default:
		os = "Unknown"
	}

	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge"):
		browser = "Edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		browser = "Opera"
	case strings.Contains(ua, "chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	default:
		browser = "Unknown"
	}
	return device, os, browser
}

// maskIP hides the host-identifying tail of an address: the last octet of an
// IPv4 address, the last four groups of an IPv6 address.
func maskIP(addr string) string {
	if addr == "" {
		return ""
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "***"
	}
	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		parts[len(parts)-1] = "xxx"
		return strings.Join(parts, ".")
	}
	groups := strings.Split(ip.String(), ":")
	if len(groups) <= 4 {
		return "::xxxx"
	}
	return strings.Join(groups[:len(groups)-4], ":") + ":xxxx"
}
