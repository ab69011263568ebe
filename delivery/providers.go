package delivery

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mailrun/internal/email"
)

// Provider maps a sender domain pattern to its submission endpoint.
type Provider struct {
	Domain             string `yaml:"domain"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	RequiresEncryption bool   `yaml:"starttls"`
}

// Endpoint is where and how a sender submits mail.
type Endpoint struct {
	Host               string
	Port               int
	RequiresEncryption bool
}

// Credential authenticates a sender against its endpoint. The engine borrows
// it per connection and never stores it.
type Credential struct {
	Identity string
	Secret   string
}

// ProviderTable is an ordered list of providers. Resolve walks it front to
// back and the first entry whose Domain is a substring of the sender's domain
// wins, so more specific patterns must come first.
type ProviderTable []Provider

// DefaultProviders is the built-in table, in resolution order.
var DefaultProviders = ProviderTable{
	{Domain: "gmail.com", Host: "smtp.gmail.com", Port: 587, RequiresEncryption: true},
	{Domain: "yahoo.com", Host: "smtp.mail.yahoo.com", Port: 587, RequiresEncryption: true},
	{Domain: "hotmail.com", Host: "smtp.live.com", Port: 587, RequiresEncryption: true},
	{Domain: "outlook.com", Host: "smtp.live.com", Port: 587, RequiresEncryption: true},
	{Domain: "aol.com", Host: "smtp.aol.com", Port: 587, RequiresEncryption: true},
}

// Resolve returns the endpoint for identity's domain.
func (t ProviderTable) Resolve(identity string) (Endpoint, error) {
	domain, err := email.Domain(strings.TrimSpace(identity))
	if err != nil {
		return Endpoint{}, &ResolutionError{Identity: identity, Err: err}
	}
	for _, p := range t {
		pattern := strings.ToLower(strings.TrimSpace(p.Domain))
		if pattern != "" && strings.Contains(domain, pattern) {
			return Endpoint{Host: p.Host, Port: p.Port, RequiresEncryption: p.RequiresEncryption}, nil
		}
	}
	return Endpoint{}, &ResolutionError{Identity: identity, Domain: domain}
}

// Validate reports the first malformed entry.
func (t ProviderTable) Validate() error {
	if len(t) == 0 {
		return errors.New("providers: table is empty")
	}
	for i, p := range t {
		switch {
		case strings.TrimSpace(p.Domain) == "":
			return fmt.Errorf("providers: entry %d: domain is required", i)
		case strings.TrimSpace(p.Host) == "":
			return fmt.Errorf("providers: entry %d (%s): host is required", i, p.Domain)
		case p.Port <= 0 || p.Port > 65535:
			return fmt.Errorf("providers: entry %d (%s): invalid port %d", i, p.Domain, p.Port)
		}
	}
	return nil
}

// LoadProviders decodes an ordered YAML list of providers:
//
//	- domain: gmail.com
//	  host: smtp.gmail.com
//	  port: 587
//	  starttls: true
func LoadProviders(r io.Reader) (ProviderTable, error) {
	var table ProviderTable
	if err := yaml.NewDecoder(r).Decode(&table); err != nil {
		return nil, fmt.Errorf("providers: decode: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// LoadProvidersFile reads a provider table from path.
func LoadProvidersFile(path string) (ProviderTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	defer f.Close()
	return LoadProviders(f)
}
