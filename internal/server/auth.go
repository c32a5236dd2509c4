// auth.go - Bearer token authentication for the write endpoints.
//
// Tokens are HS256 JWTs with typ=access. The single admin account is
// configured by username and bcrypt hash; there is no user database.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const tokenTypeAccess = "access"

// AuthConfig holds the admin credentials and token settings.
type AuthConfig struct {
	AdminUser         string
	AdminPasswordHash string // bcrypt
	JWTSecret         string
	TokenTTL          time.Duration
}

func (a AuthConfig) ttl() time.Duration {
	if a.TokenTTL <= 0 {
		return 24 * time.Hour
	}
	return a.TokenTTL
}

// Principal is the authenticated caller.
type Principal struct {
	Subject   string
	ExpiresAt time.Time
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type accessClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

var errInvalidToken = errors.New("invalid token")

// IssueToken signs an access token for subject valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is empty")
	}
	if subject == "" {
		return "", time.Time{}, errors.New("subject is empty")
	}
	exp := now.Add(ttl).Truncate(time.Second)
	claims := accessClaims{
		Type: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// ParseToken verifies signature, algorithm, expiry and token type.
func ParseToken(secret []byte, raw string, now time.Time) (Principal, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return Principal{}, errors.Join(errInvalidToken, err)
	}
	if claims.Type != tokenTypeAccess || claims.Subject == "" {
		return Principal{}, errInvalidToken
	}
	return Principal{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(header[len("Bearer "):])
	return tok, tok != ""
}

// requireAuth rejects requests without a valid access token and puts the
// Principal on the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="portfolio"`)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := ParseToken([]byte(s.auth.JWTSecret), raw, s.now())
		if err != nil {
			s.log.Debug("token_rejected",
				zap.String("rid", RequestIDFromContext(r.Context())),
				zap.Error(err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="portfolio", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// dummyHash keeps the bcrypt cost on the wrong-username path.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("portfolio-dummy-password"), bcrypt.DefaultCost)

func (s *Server) checkCredentials(username, password string) bool {
	hash := []byte(s.auth.AdminPasswordHash)
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.auth.AdminUser)) == 1
	if !userOK || len(hash) == 0 {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// handleLogin exchanges the admin credentials for an access token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	now := s.now()

	if locked, until := s.lockout.locked(ip, now); locked {
		s.metrics.recordLogin("locked")
		writeRetryAfter(w, until.Sub(now))
		writeError(w, http.StatusTooManyRequests, "too many failed login attempts")
		return
	}

	var body loginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	if err := dec.Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if !s.checkCredentials(body.Username, body.Password) {
		s.metrics.recordLogin("failure")
		locked, until := s.lockout.recordFailure(ip, now)
		s.log.Warn("login_failed",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("ip", ip),
			zap.Bool("locked", locked))
		if locked {
			writeRetryAfter(w, until.Sub(now))
			writeError(w, http.StatusTooManyRequests, "too many failed login attempts")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.lockout.reset(ip)
	tok, exp, err := IssueToken([]byte(s.auth.JWTSecret), s.auth.AdminUser, s.auth.ttl(), now)
	if err != nil {
		s.log.Error("token_issue_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.metrics.recordLogin("success")
	s.log.Info("login_succeeded", zap.String("ip", ip), zap.String("sub", s.auth.AdminUser))

	writeJSON(w, http.StatusOK, loginResponse{Token: tok, TokenType: "Bearer", ExpiresAt: exp.UTC()})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"subject":    p.Subject,
		"expires_at": p.ExpiresAt.UTC(),
	})
}

func writeRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
