package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidProxy is returned by ParseURL for input in none of the accepted formats.
var ErrInvalidProxy = errors.New("proxy: invalid proxy")

// ParseURL normalises one proxy line. Accepted forms:
//
//	scheme://[user:pass@]host:port
//	host:port
//	host:port:user:pass
//
// The last two default to http.
func ParseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \t") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProxy, raw)
	}

	var u *url.URL
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
		}
		switch parsed.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxy, parsed.Scheme)
		}
		u = parsed
	} else {
		parts := strings.Split(raw, ":")
		switch len(parts) {
		case 2:
			u = &url.URL{Scheme: "http", Host: net.JoinHostPort(parts[0], parts[1])}
		case 4:
			u = &url.URL{
				Scheme: "http",
				Host:   net.JoinHostPort(parts[0], parts[1]),
				User:   url.UserPassword(parts[2], parts[3]),
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidProxy, raw)
		}
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProxy, raw)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("%w: bad port in %q", ErrInvalidProxy, raw)
	}
	u.Path = ""
	return u, nil
}

// LoadFile reads proxy lines from a file. Empty lines and lines starting
// with '#' are skipped; the remaining lines are returned unparsed.
func LoadFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("proxy: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("proxy: read %s: %w", path, err)
	}
	return lines, nil
}

// Redact hides the password of a proxy URL for logging.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
