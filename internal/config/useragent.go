package config

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Version is the build version, set by main.
var Version = "dev"

const productName = "drome"

var (
	cachedOSVersionOnce sync.Once
	cachedOSVersion     string
)

// UserAgent builds the User-Agent sent to providers and capability servers:
// drome/<version> (<os_type> <os_version>; <arch>)
func UserAgent() string {
	ua := fmt.Sprintf("%s/%s (%s %s; %s)", productName, Version, osType(), osVersion(), arch())
	return sanitizeUserAgent(ua, productName+"/"+Version)
}

// ApplyDefaultHeaders sets the User-Agent unless the caller already set one.
func ApplyDefaultHeaders(headers http.Header) {
	if headers == nil || headers.Get("User-Agent") != "" {
		return
	}
	headers.Set("User-Agent", UserAgent())
}

func osType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Mac OS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

func arch() string {
	if runtime.GOARCH == "amd64" {
		return "x86_64"
	}
	return runtime.GOARCH
}

func osVersion() string {
	cachedOSVersionOnce.Do(func() {
		if runtime.GOOS == "linux" {
			cachedOSVersion = linuxVersion("/etc/os-release")
		}
		if cachedOSVersion == "" {
			cachedOSVersion = "unknown"
		}
	})
	return cachedOSVersion
}

// linuxVersion reads VERSION_ID (or VERSION) from an os-release file.
func linuxVersion(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	values := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if parsed, err := strconv.Unquote(v); err == nil {
			v = parsed
		} else {
			v = strings.Trim(v, "\"")
		}
		values[strings.TrimSpace(k)] = v
	}
	for _, key := range []string{"VERSION_ID", "VERSION"} {
		if v := strings.TrimSpace(values[key]); v != "" {
			return v
		}
	}
	return ""
}

func sanitizeUserAgent(candidate, fallback string) string {
	if isValidHeaderValue(candidate) {
		return candidate
	}
	var b strings.Builder
	for _, r := range candidate {
		if r >= ' ' && r <= '~' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if s := b.String(); isValidHeaderValue(s) {
		return s
	}
	return fallback
}

func isValidHeaderValue(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		if r < ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
