// Package auth attaches credentials to outgoing source API requests. The
// provider kind comes from configuration; oauth2 client-credential tokens
// are fetched and refreshed lazily behind the standard TokenSource.
package auth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
)

// defaultAPIKeyHeader is used when an API key auth block names no header.
const defaultAPIKeyHeader = "X-API-Key"

// Provider applies credentials to a request.
type Provider interface {
	// Apply sets the credential headers on req.
	Apply(req *http.Request) error
	// Name identifies the scheme for logging.
	Name() string
}

// NewProvider builds the provider for the configured auth kind.
func NewProvider(ctx context.Context, cfg config.AuthConfig) (Provider, error) {
	switch cfg.Kind {
	case "", "none":
		return noneProvider{}, nil

	case "apikey":
		if cfg.Key == "" {
			return nil, errors.New(errors.ClassConfig, "apikey auth requires a key")
		}
		header := cfg.Header
		if header == "" {
			header = defaultAPIKeyHeader
		}
		return &apiKeyProvider{header: header, key: cfg.Key}, nil

	case "bearer":
		if cfg.Token == "" {
			return nil, errors.New(errors.ClassConfig, "bearer auth requires a token")
		}
		return &bearerProvider{token: cfg.Token}, nil

	case "basic":
		if cfg.Username == "" {
			return nil, errors.New(errors.ClassConfig, "basic auth requires a username")
		}
		return &basicProvider{username: cfg.Username, password: cfg.Password}, nil

	case "oauth2":
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenURL == "" {
			return nil, errors.New(errors.ClassConfig,
				"oauth2 auth requires client_id, client_secret, and token_url")
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		return &oauthProvider{source: cc.TokenSource(ctx)}, nil

	default:
		return nil, errors.New(errors.ClassConfig, "unknown auth kind").
			WithDetail("kind", cfg.Kind)
	}
}

type noneProvider struct{}

func (noneProvider) Apply(*http.Request) error { return nil }
func (noneProvider) Name() string              { return "none" }

type apiKeyProvider struct {
	header string
	key    string
}

func (p *apiKeyProvider) Apply(req *http.Request) error {
	req.Header.Set(p.header, p.key)
	return nil
}

func (p *apiKeyProvider) Name() string { return "apikey" }

type bearerProvider struct {
	token string
}

func (p *bearerProvider) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+p.token)
	return nil
}

func (p *bearerProvider) Name() string { return "bearer" }

type basicProvider struct {
	username string
	password string
}

func (p *basicProvider) Apply(req *http.Request) error {
	req.SetBasicAuth(p.username, p.password)
	return nil
}

func (p *basicProvider) Name() string { return "basic" }

type oauthProvider struct {
	source oauth2.TokenSource
}

func (p *oauthProvider) Apply(req *http.Request) error {
	token, err := p.source.Token()
	if err != nil {
		return errors.Wrap(err, errors.ClassAuth, "failed to obtain oauth2 token")
	}
	token.SetAuthHeader(req)
	return nil
}

func (p *oauthProvider) Name() string { return "oauth2" }
