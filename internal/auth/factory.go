package auth

import (
	"fmt"

	"restpipe/internal/models"
	"restpipe/internal/storage"
)

// FromConfig builds the authenticator chain named by cfg.Authenticators.
func FromConfig(cfg models.SecurityConfig, store storage.Storage) (Chain, error) {
	chain := make(Chain, 0, len(cfg.Authenticators))
	for _, name := range cfg.Authenticators {
		switch name {
		case models.AuthAPIKey:
			chain = append(chain, NewAPIKeyAuthenticator(store, cfg.Realm, cfg.KeyCacheSize, cfg.KeyCacheTTL))
		case models.AuthBasic:
			chain = append(chain, &BasicAuthenticator{Users: store, Realm: cfg.Realm})
		case models.AuthSession:
			chain = append(chain, NewSessionAuthenticator(store, []byte(cfg.SessionSecret), cfg.SessionCookie, cfg.SessionTTL))
		default:
			return nil, fmt.Errorf("unknown authenticator: %s", name)
		}
	}
	return chain, nil
}

// Session returns the session authenticator in the chain, if any.
func (c Chain) Session() (*SessionAuthenticator, bool) {
	for _, a := range c {
		if s, ok := a.(*SessionAuthenticator); ok {
			return s, true
		}
	}
	return nil, false
}

// APIKeys returns the API key authenticator in the chain, if any.
func (c Chain) APIKeys() (*APIKeyAuthenticator, bool) {
	for _, a := range c {
		if k, ok := a.(*APIKeyAuthenticator); ok {
			return k, true
		}
	}
	return nil, false
}
