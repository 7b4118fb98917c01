package auth

import (
	"os"

	"codeberg.org/mutker/metricsync/internal/errors"
	"golang.org/x/oauth2"
)

// TokenSource supplies the bearer credential for backend requests.
// A missing token is reported with the auth_token_missing code and is
// treated by callers as a silent no-op, never as an error state.
type TokenSource interface {
	Token() (string, error)
}

// IsTokenMissing reports whether err means "no credential available".
func IsTokenMissing(err error) bool {
	return errors.HasCode(err, errors.ErrTokenMissing)
}

type staticTokenSource struct {
	token string
}

// NewStaticTokenSource returns a source that always yields the given token.
func NewStaticTokenSource(token string) TokenSource {
	return &staticTokenSource{token: token}
}

func (s *staticTokenSource) Token() (string, error) {
	if s.token == "" {
		return "", errors.New().New(errors.ErrTokenMissing)
	}

	return s.token, nil
}

type envTokenSource struct {
	key string
}

// NewEnvTokenSource reads the token from an environment variable on
// every call, so a rotated credential is picked up without restart.
func NewEnvTokenSource(key string) TokenSource {
	return &envTokenSource{key: key}
}

func (s *envTokenSource) Token() (string, error) {
	token := os.Getenv(s.key)
	if token == "" {
		return "", errors.New().New(errors.ErrTokenMissing)
	}

	return token, nil
}

type oauth2TokenSource struct {
	src oauth2.TokenSource
}

// NewOAuth2TokenSource adapts an oauth2.TokenSource. Refresh failures
// are reported as auth_token_source_failed; an expired token without a
// refresh path is reported as missing.
func NewOAuth2TokenSource(src oauth2.TokenSource) TokenSource {
	return &oauth2TokenSource{src: src}
}

func (s *oauth2TokenSource) Token() (string, error) {
	errFactory := errors.New()

	token, err := s.src.Token()
	if err != nil {
		return "", errFactory.Wrap(errors.ErrTokenSource, err)
	}

	if !token.Valid() || token.AccessToken == "" {
		return "", errFactory.New(errors.ErrTokenMissing)
	}

	return token.AccessToken, nil
}
