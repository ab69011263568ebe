package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"mailrun/internal/email"
)

var defaultHeaderKeys = []string{
	"from",
	"to",
	"subject",
	"date",
	"mime-version",
	"content-type",
	"message-id",
}

// Options configures a Signer. Signing is disabled when every field is empty.
type Options struct {
	Selector   string
	Domain     string // overrides the sender's domain when set
	KeyPath    string
	PrivateKey string // inline PEM, preferred over KeyPath
}

func (o Options) empty() bool {
	return strings.TrimSpace(o.Selector) == "" &&
		strings.TrimSpace(o.Domain) == "" &&
		strings.TrimSpace(o.KeyPath) == "" &&
		strings.TrimSpace(o.PrivateKey) == ""
}

// Signer applies DKIM signatures to outgoing messages.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// New builds a Signer from opts. It returns (nil, nil) when DKIM is not
// configured; a nil *Signer passes messages through untouched.
func New(opts Options) (*Signer, error) {
	if opts.empty() {
		return nil, nil
	}
	selector := strings.TrimSpace(opts.Selector)
	if selector == "" {
		return nil, errors.New("dkim: selector is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case strings.TrimSpace(opts.PrivateKey) != "":
		pemData = []byte(opts.PrivateKey)
	case strings.TrimSpace(opts.KeyPath) != "":
		data, err := os.ReadFile(strings.TrimSpace(opts.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, errors.New("dkim: provide a key path or an inline private key")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:     strings.ToLower(strings.TrimSpace(opts.Domain)),
		selector:   selector,
		key:        key,
		headerKeys: defaultHeaderKeys,
	}, nil
}

// Selector returns the configured selector.
func (s *Signer) Selector() string {
	if s == nil {
		return ""
	}
	return s.selector
}

// Domain returns the configured signing domain override, if any.
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// Sign adds a DKIM-Signature header for the sender's domain (or the
// configured override). Messages that already carry one are left untouched.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}
	if hasSignature(message) {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		d, err := email.Domain(strings.Trim(strings.TrimSpace(from), "<>"))
		if err != nil {
			return nil, fmt.Errorf("dkim: unable to determine signing domain: %w", err)
		}
		domain = d
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(normalizeLineEndings(message)), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, errors.New("no private key found in PEM data")
}

func hasSignature(message []byte) bool {
	upper := bytes.ToUpper(message)
	return bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:")) || bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:"))
}

func normalizeLineEndings(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
