package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/logger"
	"github.com/ravigill3969/fitscan/backend/utils"
)

type contextKey string

const UserIDContextKey contextKey = "userID"

var ErrNoVerifier = errors.New("no token verifier configured")

// UserID returns the authenticated uid set by Authenticator.Middleware.
func UserID(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(UserIDContextKey).(string)
	return uid, ok && uid != ""
}

func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, UserIDContextKey, uid)
}

// Authenticator verifies bearer tokens. Firebase ID tokens (RS256) are checked against
// Google's JWKS; HS256 tokens against the shared secret.
type Authenticator struct {
	hmacSecret []byte
	jwks       keyfunc.Keyfunc
	firebase   *jwt.Parser
}

// NewAuthenticator starts the JWKS refresher when a Firebase project is configured. The
// refresher stops when ctx is done.
func NewAuthenticator(ctx context.Context, cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{}
	if cfg.HMACSecret != "" {
		a.hmacSecret = []byte(cfg.HMACSecret)
	}
	if cfg.FirebaseProjectID != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
		}
		a.jwks = k
		a.firebase = jwt.NewParser(
			jwt.WithIssuer("https://securetoken.google.com/"+cfg.FirebaseProjectID),
			jwt.WithAudience(cfg.FirebaseProjectID),
			jwt.WithLeeway(30*time.Second),
			jwt.WithExpirationRequired(),
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name}),
		)
	}
	if a.hmacSecret == nil && a.jwks == nil {
		return nil, ErrNoVerifier
	}
	return a, nil
}

func NewHMACAuthenticator(secret string) *Authenticator {
	return &Authenticator{hmacSecret: []byte(secret)}
}

// Verify returns the uid carried by tokenString.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", err
	}

	if unverified.Method.Alg() == jwt.SigningMethodHS256.Name {
		if a.hmacSecret == nil {
			return "", ErrNoVerifier
		}
		claims, err := utils.ParseToken(tokenString, a.hmacSecret)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}

	if a.jwks == nil {
		return "", ErrNoVerifier
	}
	token, err := a.firebase.Parse(tokenString, a.jwks.Keyfunc)
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token missing sub")
	}
	return sub, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie("access_token"); err == nil {
		return c.Value
	}
	return ""
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized: Authentication token required")
			return
		}

		uid, err := a.Verify(token)
		if err != nil {
			logger.FromContext(r.Context()).Info("auth failed", zap.Error(err))
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized: Invalid or expired token")
			return
		}

		ctx := WithUserID(r.Context(), uid)
		ctx = logger.WithContext(ctx, logger.FromContext(ctx).With(zap.String("uid", uid)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
