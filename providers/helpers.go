package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE exchanges code with the PKCE verifier using httpClient.
//
// Transport failures wrap ErrProviderUnavailable. A rejection by the provider is
// returned as the *oauth2.RetrieveError from golang.org/x/oauth2.
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		var urlErr *url.Error
		if !errors.As(err, &retrieveErr) && errors.As(err, &urlErr) {
			return nil, fmt.Errorf("failed to exchange code: %w: %w", ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}
