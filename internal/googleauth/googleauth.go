// Package googleauth builds authenticated HTTP clients for the Google APIs
// the reconciler talks to. It only consumes existing credentials; obtaining
// them is left to gcloud or the Google OAuth playground.
package googleauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrNoCredentials is returned when no credential source is configured and
// no application default credentials exist.
var ErrNoCredentials = errors.New("no google credentials configured")

// Config locates credentials. CredentialsFile may hold an authorized_user
// token (token.json) or a service account key; it wins over the inline
// refresh token.
type Config struct {
	CredentialsFile string
	ClientID        string
	ClientSecret    string
	RefreshToken    string
}

// TokenSource resolves credentials for the given scopes
func TokenSource(ctx context.Context, cfg Config, scopes ...string) (oauth2.TokenSource, error) {
	switch {
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
		if err != nil {
			return nil, fmt.Errorf("parsing credentials file: %w", err)
		}
		return creds.TokenSource, nil

	case cfg.RefreshToken != "":
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("refresh token needs a client id and secret")
		}
		oauthConfig := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		}
		return oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken, TokenType: "Bearer"}), nil
	}

	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	return creds.TokenSource, nil
}

// HTTPClient wraps TokenSource in an authenticating client
func HTTPClient(ctx context.Context, cfg Config, scopes ...string) (*http.Client, error) {
	ts, err := TokenSource(ctx, cfg, scopes...)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}
