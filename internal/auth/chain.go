package auth

import (
	"context"
	"errors"
	"net/http"

	"restpipe/internal/apierror"
)

// Authenticator inspects a request for one kind of credential. It returns
// (nil, nil) when the request does not carry that kind of credential and an
// error when credentials are present but malformed or invalid.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// Challenger is implemented by authenticators that can tell a client how to
// authenticate, through the WWW-Authenticate header of a 401 response.
type Challenger interface {
	Challenge() string
}

// Chain tries authenticators in order. The first one to return an identity
// wins; the first one to return an error aborts the chain.
type Chain []Authenticator

// Authenticate resolves the request identity. Failures are returned as
// *apierror.Error values of kind authentication_failed, carrying a
// WWW-Authenticate challenge when one is available.
func (c Chain) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	for _, a := range c {
		id, err := a.Authenticate(ctx, r)
		if err != nil {
			return nil, c.wrap(err)
		}
		if id != nil {
			return id, nil
		}
	}
	return Anonymous(), nil
}

// Challenge returns the challenge of the first authenticator offering one.
func (c Chain) Challenge() string {
	for _, a := range c {
		if ch, ok := a.(Challenger); ok {
			if v := ch.Challenge(); v != "" {
				return v
			}
		}
	}
	return ""
}

func (c Chain) wrap(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		return apierror.NewInternal(err)
	}
	if apiErr.Kind == apierror.KindAuthenticationFailed {
		if ch := c.Challenge(); ch != "" {
			apiErr.WithHeader(apierror.HeaderWWWAuthenticate, ch)
		}
	}
	return apiErr
}
