package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-sync/core"
)

const contextTokenKey = "userToken"

// Claims represents the authorization claims transmitted via a JWT.
// Tokens are issued by the Masomo identity service and signed with the shared secret key.
type Claims struct {
	jwt.StandardClaims
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// NewClaims returns the claims of a token valid for conf.Server.JWTExpirationDelta.
func NewClaims(conf *core.Config, actor core.Actor, roles ...string) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   actor.ID,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Username: actor.Username,
		Email:    actor.Email,
		Roles:    roles,
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	jwtConf := newJWTConfig(conf)
	token := jwt.NewWithClaims(jwt.GetSigningMethod(jwtConf.SigningMethod), claims)

	ss, err := token.SignedString(jwtConf.SigningKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// contextActor returns the authenticated user, zero if there is none.
func contextActor(ctx echo.Context) core.Actor {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return core.Actor{}
	}
	return core.Actor{ID: claims.Subject, Username: claims.Username, Email: claims.Email}
}
