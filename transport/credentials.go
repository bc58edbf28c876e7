package transport

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/openremote/openremote-sub007/errors"
)

// OAuthCredentials authenticates with a bearer token obtained through the
// OAuth2 client credentials grant. Tokens are cached until they expire.
type OAuthCredentials struct {
	source oauth2.TokenSource
}

// NewOAuthCredentials creates a provider for the given token endpoint. A nil
// httpClient uses http.DefaultClient.
func NewOAuthCredentials(tokenURL, clientID, clientSecret string, httpClient *http.Client) *OAuthCredentials {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	return &OAuthCredentials{source: cfg.TokenSource(ctx)}
}

// Header implements CredentialProvider.
func (c *OAuthCredentials) Header(_ context.Context) (http.Header, error) {
	tok, err := c.source.Token()
	if err != nil {
		return nil, errors.WrapTransient(err, "OAuthCredentials", "Header", "obtain token")
	}
	h := http.Header{}
	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return h, nil
}

// BasicCredentials authenticates with HTTP basic auth.
type BasicCredentials struct {
	Username string
	Password string
}

// Header implements CredentialProvider.
func (c BasicCredentials) Header(_ context.Context) (http.Header, error) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth(c.Username, c.Password)
	return r.Header, nil
}
