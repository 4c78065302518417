package channels

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// TokenRefresher wraps an oauth2.TokenSource with a singleflight group so
// that N concurrent outbound sends against an about-to-expire token trigger
// exactly one refresh request instead of a thundering herd — the "per-chat
// outbound rate limiter with single-flight token refresh" pairing spec.md's
// DOMAIN STACK calls for on MS Teams. oauth2.ReuseTokenSource already
// caches a valid token, but does not dedupe concurrent refreshes once it
// expires; golang.org/x/sync/singleflight (already a transitive dependency
// via the rest of the pack) closes that gap.
type TokenRefresher struct {
	src   oauth2.TokenSource
	group singleflight.Group
}

// NewTeamsTokenRefresher builds a refresher for the Microsoft Graph
// client-credentials flow (tenant-scoped token endpoint, .default scope).
// A token is reused until five minutes before it expires.
func NewTeamsTokenRefresher(tenantID, clientID, clientSecret string) *TokenRefresher {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     "https://login.microsoftonline.com/" + tenantID + "/oauth2/v2.0/token",
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &TokenRefresher{src: oauth2.ReuseTokenSourceWithExpiry(nil, cfg.TokenSource(context.Background()), 5*time.Minute)}
}

// Token returns a valid bearer token, deduplicating concurrent refreshes.
func (r *TokenRefresher) Token(ctx context.Context) (string, error) {
	v, err, _ := r.group.Do("token", func() (interface{}, error) {
		tok, err := r.src.Token()
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
