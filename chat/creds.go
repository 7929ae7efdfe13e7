package chat

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/chat-tender/db"
)

// Anonymous login constants are part of the IRC contract: Twitch accepts any
// justinfanNNNNN nick with this fixed password for read-only connections.
const (
	anonymousNickPrefix = "justinfan"
	anonymousPassword   = "SCHMOOPIIE"
)

// Identity is the resolved account behind an authenticated connection.
type Identity struct {
	UserID      string
	Login       string
	DisplayName string
}

// Credentials select how a connection logs in. Anonymous credentials carry
// Authenticated=false and a synthesized justinfan nick.
type Credentials struct {
	Authenticated bool
	Nick          string
	Pass          string
	Identity      Identity
}

// anonymousCredentials synthesizes read-only credentials: justinfan plus five
// random digits and the fixed anonymous password.
func anonymousCredentials() Credentials {
	//nolint:gosec // G404: nick randomness only spreads anonymous logins, not security
	return Credentials{
		Nick: fmt.Sprintf("%s%05d", anonymousNickPrefix, rand.Intn(100000)),
		Pass: anonymousPassword,
	}
}

// CredentialSource resolves the primary channel's authenticated credentials.
// Resolving to Authenticated=false (or an error) makes the caller fall back
// to anonymous credentials.
type CredentialSource interface {
	Resolve(ctx context.Context) (Credentials, error)
}

// IdentityResolver resolves a login to its account identity (Helix /users in
// production).
type IdentityResolver interface {
	ResolveUser(ctx context.Context, login string) (Identity, error)
}

// StoredTokenSource resolves credentials from the oauth_tokens table: the
// configured bot login plus the stored (refresher-maintained) access token.
// Identity resolution is best-effort; a connection can join with credentials
// whose identity has not resolved yet.
type StoredTokenSource struct {
	DB       *sql.DB
	BotLogin string
	Identity IdentityResolver
}

func (s *StoredTokenSource) Resolve(ctx context.Context) (Credentials, error) {
	if s.BotLogin == "" {
		return Credentials{}, nil
	}
	access, _, expiry, _, err := db.GetOAuthToken(ctx, s.DB, "twitch")
	if err != nil {
		return Credentials{}, fmt.Errorf("load twitch token: %w", err)
	}
	if access == "" || (!expiry.IsZero() && time.Until(expiry) < time.Minute) {
		return Credentials{}, nil
	}
	creds := Credentials{
		Authenticated: true,
		Nick:          strings.ToLower(s.BotLogin),
		Pass:          "oauth:" + strings.TrimPrefix(access, "oauth:"),
		Identity:      Identity{Login: strings.ToLower(s.BotLogin)},
	}
	if s.Identity != nil {
		if id, err := s.Identity.ResolveUser(ctx, creds.Identity.Login); err == nil {
			creds.Identity = id
		}
	}
	return creds, nil
}
