// Package accounts loads the sync accounts the bridge exposes. Accounts are
// read once at startup and never change while the process runs.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fruitsalade/fileprovider/internal/identifier"
)

// Provider names the engine backend serving an account.
const (
	ProviderHTTP = "http"
	ProviderS3   = "s3"
)

// ErrInvalidAccount is returned for account records that fail validation.
var ErrInvalidAccount = errors.New("invalid account")

// Account identifies one remote sync account.
type Account struct {
	Username  string `toml:"username"`
	Hostname  string `toml:"hostname"`
	Port      int    `toml:"port"`
	Provider  string `toml:"provider"`
	Secure    bool   `toml:"secure"`
	Token     string `toml:"token"`
	LocalRoot string `toml:"local_root"`

	// S3 settings, used when Provider is "s3".
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// Store lists the configured accounts.
type Store interface {
	ListAccounts(ctx context.Context) ([]Account, error)
}

// Segment returns the identifier segment naming this account.
func (a Account) Segment() string {
	return identifier.AccountSegment(a.Username, a.Hostname, a.Port)
}

// BaseURL returns the server URL for HTTP and S3 endpoints.
func (a Account) BaseURL() string {
	scheme := "http"
	if a.Secure {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
}

// Validate checks required fields.
func (a Account) Validate() error {
	switch {
	case a.Username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidAccount)
	case a.Hostname == "":
		return fmt.Errorf("%w: hostname is required for %s", ErrInvalidAccount, a.Username)
	case a.Port <= 0 || a.Port > 65535:
		return fmt.Errorf("%w: port %d out of range for %s", ErrInvalidAccount, a.Port, a.Username)
	case a.LocalRoot == "":
		return fmt.Errorf("%w: local_root is required for %s", ErrInvalidAccount, a.Segment())
	}

	switch a.Provider {
	case ProviderHTTP:
	case ProviderS3:
		if a.Bucket == "" {
			return fmt.Errorf("%w: bucket is required for s3 account %s", ErrInvalidAccount, a.Segment())
		}
	default:
		return fmt.Errorf("%w: unknown provider %q for %s", ErrInvalidAccount, a.Provider, a.Segment())
	}
	return nil
}

// normalize fills defaults shared by every store.
func normalize(a Account) Account {
	a.Provider = strings.ToLower(strings.TrimSpace(a.Provider))
	if a.Provider == "" {
		a.Provider = ProviderHTTP
	}
	if a.Port == 0 {
		if a.Secure {
			a.Port = 443
		} else {
			a.Port = 80
		}
	}
	if a.Region == "" {
		a.Region = "us-east-1"
	}
	return a
}

// validateAll normalizes and validates accounts and rejects duplicate segments.
func validateAll(in []Account) ([]Account, error) {
	out := make([]Account, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, a := range in {
		a = normalize(a)
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if seen[a.Segment()] {
			return nil, fmt.Errorf("%w: duplicate account %s", ErrInvalidAccount, a.Segment())
		}
		seen[a.Segment()] = true
		out = append(out, a)
	}
	return out, nil
}
