package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// TokenProvider supplies a bearer token for the upstream service when a
// client's handshake does not carry one.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticTokenProvider hands out a fixed token from configuration.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{
		token: token,
	}
}

func (p *StaticTokenProvider) AccessToken(_ context.Context) (string, error) {
	if p.token == "" {
		return "", ErrNoToken
	}
	return p.token, nil
}

// GoogleTokenProvider mints access tokens from Application Default
// Credentials, the identity "gcloud auth application-default login"
// establishes. The token source caches and refreshes tokens internally.
type GoogleTokenProvider struct {
	mu     sync.Mutex
	source oauth2.TokenSource
}

func NewGoogleTokenProvider() *GoogleTokenProvider {
	return &GoogleTokenProvider{}
}

func (p *GoogleTokenProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
		if err != nil {
			return "", errors.Wrap(err, "could not resolve default credentials")
		}
		p.source = creds.TokenSource
	}

	token, err := p.source.Token()
	if err != nil {
		return "", errors.Wrap(err, "could not mint access token")
	}
	return token.AccessToken, nil
}
