package dmpsync

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// CredentialProvider yields the current bearer token. Where the token is stored,
// and in which priority order several stores are consulted, is the provider's
// own concern.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) Credential(ctx context.Context) (string, error) { return f(ctx) }

// StaticCredential always returns the same token.
func StaticCredential(token string) CredentialProvider {
	return CredentialFunc(func(context.Context) (string, error) {
		return checkToken(token, time.Now())
	})
}

// EnvCredential reads the token from an environment variable on every call.
func EnvCredential(name string) CredentialProvider {
	return CredentialFunc(func(context.Context) (string, error) {
		return checkToken(os.Getenv(name), time.Now())
	})
}

// CredentialChain consults sources in order and returns the first usable token.
// Sources that are empty or hold an expired JWT are skipped.
func CredentialChain(sources ...CredentialProvider) CredentialProvider {
	return CredentialFunc(func(ctx context.Context) (string, error) {
		var expired error
		for _, src := range sources {
			if src == nil {
				continue
			}
			token, err := src.Credential(ctx)
			if err == nil && token != "" {
				return token, nil
			}
			if errors.Is(err, ErrCredentialExpired) {
				expired = err
			}
		}
		if expired != nil {
			return "", expired
		}
		return "", &AuthenticationError{Reason: "credential chain", Err: ErrNoCredential}
	})
}

type tokenSourceCredential struct {
	src oauth2.TokenSource
}

// TokenSourceCredential adapts an oauth2.TokenSource, which handles refresh.
func TokenSourceCredential(src oauth2.TokenSource) CredentialProvider {
	return &tokenSourceCredential{src: oauth2.ReuseTokenSource(nil, src)}
}

func (t *tokenSourceCredential) Credential(ctx context.Context) (string, error) {
	tok, err := t.src.Token()
	if err != nil {
		return "", &AuthenticationError{Reason: "token source", Err: err}
	}
	if !tok.Valid() {
		return "", &AuthenticationError{Reason: "token source", Err: ErrCredentialExpired}
	}
	return tok.AccessToken, nil
}

// checkToken rejects empty tokens and JWTs past their exp claim. Opaque,
// non-JWT tokens are passed through unchecked; the signature is never verified
// here, that is the backend's job.
func checkToken(token string, now time.Time) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &AuthenticationError{Reason: "empty token", Err: ErrNoCredential}
	}
	exp, ok := TokenExpiry(token)
	if ok && !exp.After(now) {
		return "", &AuthenticationError{Reason: "token expired at " + exp.Format(time.RFC3339), Err: ErrCredentialExpired}
	}
	return token, nil
}

// TokenExpiry extracts the exp claim of a JWT without verifying it.
func TokenExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// resolveCredential prefers an explicit token and falls back to the provider.
func resolveCredential(ctx context.Context, token string, provider CredentialProvider) (string, error) {
	if token != "" {
		return checkToken(token, time.Now())
	}
	if provider == nil {
		return "", &AuthenticationError{Reason: "no provider", Err: ErrNoCredential}
	}
	return provider.Credential(ctx)
}
