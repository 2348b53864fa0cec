package protocol

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Relay addresses use the ocr:// scheme; any other scheme is rejected
const (
	AddressScheme = "ocr"
	DefaultPort   = 7733
)

var ErrInvalidAddress = errors.New("invalid relay address")

// ParseRelayAddress parses an ocr://host[:port] address and returns the
// host:port dial target. The default port is filled in when absent.
func ParseRelayAddress(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	if u.Scheme != AddressScheme {
		return "", fmt.Errorf("%w: scheme %q, want %q", ErrInvalidAddress, u.Scheme, AddressScheme)
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}

	port := u.Port()
	if port == "" {
		port = fmt.Sprintf("%d", DefaultPort)
	}

	return net.JoinHostPort(host, port), nil
}
