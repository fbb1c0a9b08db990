// device.go
//
// Client device description: user-agent parsing and fingerprint derivation.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Info describes the device a request came from, as the client reported it.
type Info struct {
	DeviceID    string
	Fingerprint string
	Label       string
}

// UserAgent is the coarse result of ParseUserAgent.
type UserAgent struct {
	Browser string
	OS      string
	Label   string
}

const unknown = "Unknown"

type match struct {
	needles []string
	name    string
}

// Order matters: Edge and Opera UAs also contain "Chrome/" and "Safari/",
// and iOS/Android UAs also contain "Mac OS X"/"Linux".
var browsers = []match{
	{[]string{"Edg/", "Edge/"}, "Edge"},
	{[]string{"OPR/", "Opera"}, "Opera"},
	{[]string{"Firefox/", "FxiOS/"}, "Firefox"},
	{[]string{"Chrome/", "CriOS/"}, "Chrome"},
	{[]string{"Safari/"}, "Safari"},
	{[]string{"MSIE", "Trident/"}, "Internet Explorer"},
}

var systems = []match{
	{[]string{"Windows"}, "Windows"},
	{[]string{"iPhone", "iPad", "iPod"}, "iOS"},
	{[]string{"Android"}, "Android"},
	{[]string{"CrOS"}, "ChromeOS"},
	{[]string{"Mac OS X", "Macintosh"}, "macOS"},
	{[]string{"Linux"}, "Linux"},
}

func firstMatch(ua string, table []match) string {
	for _, m := range table {
		for _, n := range m.needles {
			if strings.Contains(ua, n) {
				return m.name
			}
		}
	}
	return unknown
}

// ParseUserAgent extracts browser and OS by ordered substring matches.
func ParseUserAgent(ua string) UserAgent {
	if strings.TrimSpace(ua) == "" {
		return UserAgent{Browser: unknown, OS: unknown, Label: "Unknown device"}
	}
	browser := firstMatch(ua, browsers)
	os := firstMatch(ua, systems)
	label := browser + " on " + os
	if browser == unknown && os == unknown {
		label = "Unknown device"
	}
	return UserAgent{Browser: browser, OS: os, Label: label}
}

// Characteristics are the request properties a fingerprint is derived from.
type Characteristics struct {
	UserAgent        string
	AcceptLanguage   string
	ScreenResolution string
	Timezone         string
	Platform         string
}

// DeriveFingerprint hashes the lowercased, pipe-joined characteristics and keeps
// 32 hex characters. A non-empty provided fingerprint wins.
func DeriveFingerprint(c Characteristics, provided string) string {
	if provided = strings.TrimSpace(provided); provided != "" {
		return provided
	}
	joined := strings.ToLower(strings.Join([]string{
		c.UserAgent, c.AcceptLanguage, c.ScreenResolution, c.Timezone, c.Platform,
	}, "|"))
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:32]
}
