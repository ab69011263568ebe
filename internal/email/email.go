package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidAddress indicates the address failed validation.
var ErrInvalidAddress = errors.New("invalid email address")

// ParseAddress validates a bare or display-name address and returns the
// lower-cased addr-spec.
func ParseAddress(raw string) (string, error) {
	if strings.ContainsAny(raw, "\r\n") {
		return "", fmt.Errorf("%w: unexpected newline", ErrInvalidAddress)
	}
	addr := strings.TrimSpace(raw)
	addr = strings.Trim(addr, "<>")
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	return strings.ToLower(parsed.Address), nil
}

// Domain returns the lower-cased domain component of an email address.
func Domain(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSpace(domain)
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return strings.ToLower(domain), nil
}

// LocalPart returns everything before the last '@', or the whole string when
// there is none.
func LocalPart(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[:at]
	}
	return address
}

// DisplayName derives a sender display name from the local part of an
// address: "john.doe@example.com" becomes "John.doe".
func DisplayName(address string) string {
	local := strings.TrimSpace(LocalPart(address))
	if local == "" {
		return ""
	}
	return strings.ToUpper(local[:1]) + strings.ToLower(local[1:])
}
