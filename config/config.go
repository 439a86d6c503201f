// Package config loads the site-profile file used by the command line
// tools. A profile names one service deployment and how to reach it.
package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrNoSites                  = errors.New("no sites defined in config")
	ErrSiteNotFound             = errors.New("site not found in config")
	ErrNoDefaultSite            = errors.New("no default site set in config")
	ErrSiteHostMissing          = errors.New("host is required for each site")
	ErrBadCertificate           = errors.New("cannot load site certificate")
)

// Site describes one service deployment.
type Site struct {
	// Host is the host or host:port of the service.
	Host string `yaml:"host"`

	// Cert points at a PEM certificate to trust instead of the system
	// store, for self-signed deployments.
	Cert string `yaml:"cert,omitempty"`

	// SkipVerify disables certificate verification entirely.
	SkipVerify bool `yaml:"skipVerify,omitempty"`

	// User is the default login name for this site.
	User string `yaml:"user,omitempty"`
}

// Sites is the whole profile file.
type Sites struct {
	DefaultSite string          `yaml:"defaultSite,omitempty"`
	Sites       map[string]Site `yaml:"sites"`
}

func LoadConfig(configFile string) (*Sites, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Sites
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	// Basic validation
	if len(cfg.Sites) == 0 {
		return nil, ErrNoSites
	}
	for name, site := range cfg.Sites {
		if site.Host == "" {
			return nil, fmt.Errorf("site %q: %w", name, ErrSiteHostMissing)
		}
	}
	if cfg.DefaultSite != "" {
		if _, ok := cfg.Sites[cfg.DefaultSite]; !ok {
			return nil, fmt.Errorf("default site %q: %w", cfg.DefaultSite, ErrSiteNotFound)
		}
	}

	return &cfg, nil
}

// Get resolves a profile by name, falling back to the file's default when
// name is empty.
func (s *Sites) Get(name string) (*Site, error) {
	if name == "" {
		if s.DefaultSite == "" {
			return nil, ErrNoDefaultSite
		}
		name = s.DefaultSite
	}

	site, ok := s.Sites[name]
	if !ok {
		return nil, fmt.Errorf("site %q: %w", name, ErrSiteNotFound)
	}
	return &site, nil
}

// CertPool loads the site's trusted certificate, or nil when the system
// store should be used.
func (s *Site) CertPool() (*x509.CertPool, error) {
	if s.Cert == "" {
		return nil, nil
	}

	pem, err := os.ReadFile(s.Cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrBadCertificate, s.Cert)
	}
	return pool, nil
}
