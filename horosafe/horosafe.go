// CLAUDE:SUMMARY Guards for untrusted input: outbound image URLs (SSRF), local image paths, bounded reads.
// Package horosafe guards the two places where vitrine handles input it
// did not produce: image URLs scraped from catalog pages, and image paths
// supplied by search callers.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal is returned when a path escapes its allowed root.
	ErrPathTraversal = errors.New("horosafe: path escapes allowed root")

	// ErrSSRF is returned when a URL targets a private or loopback address.
	ErrSSRF = errors.New("horosafe: URL targets a private or loopback address")

	// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
	ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

	// ErrNotImage is returned for paths that are not regular image files.
	ErrNotImage = errors.New("horosafe: not an image file")
)

var privateNets = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"169.254.0.0/16",
	"fc00::/7",
	"::1/128",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// ValidateURL checks that rawURL is http(s), names a host, and does not
// resolve to a private or loopback address. Hostnames that fail to
// resolve are let through; the request itself will fail.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("horosafe: URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

// ImageFile checks that path is an existing regular file with an image
// extension. When roots are given the resolved path must sit under one
// of them. It returns the cleaned absolute path.
func ImageFile(path string, roots ...string) (string, error) {
	if path == "" {
		return "", ErrNotImage
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("horosafe: %w", err)
	}
	if !imageExts[strings.ToLower(filepath.Ext(abs))] {
		return "", ErrNotImage
	}
	if len(roots) > 0 && !under(abs, roots) {
		return "", ErrPathTraversal
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if !st.Mode().IsRegular() {
		return "", ErrNotImage
	}
	return abs, nil
}

func under(abs string, roots []string) bool {
	for _, r := range roots {
		rootAbs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// LimitedReadAll reads at most maxBytes from r and fails if there is more.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}
