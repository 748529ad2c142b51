package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims is the token payload. Subject is the actor id; MRN is set for
// patients only.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
	MRN  int64  `json:"mrn,omitempty"`
}

// Actor converts verified claims into an Actor.
func (c *Claims) Actor() (Actor, error) {
	role, err := ParseRole(c.Role)
	if err != nil {
		return Actor{}, err
	}
	if c.Subject == "" {
		return Actor{}, fmt.Errorf("token has no subject")
	}
	if role == RolePatient && c.MRN <= 0 {
		return Actor{}, fmt.Errorf("patient token has no medical record")
	}
	return Actor{ID: c.Subject, Name: c.Name, Role: role, MedicalRecord: c.MRN}, nil
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification and takes precedence over JWKS.
	SigningKey []byte
	// Revocations is consulted after the signature checks when set.
	Revocations RevocationStore
}

// JWKSKey represents a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksResponse struct {
	Keys []JWKSKey `json:"keys"`
}

// JWKSCache caches RSA keys fetched from a JWKS endpoint.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKey returns the key for kid, refetching on a miss or after the TTL.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}
	if err := c.fetch(); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch() error {
	resp, err := c.client.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

const defaultJWKSCacheTTL = 5 * time.Minute

// Verifier parses and validates bearer tokens.
type Verifier struct {
	cfg     JWTConfig
	keyFunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

func NewVerifier(cfg JWTConfig) *Verifier {
	v := &Verifier{cfg: cfg}
	if len(cfg.SigningKey) > 0 {
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"HS256"}))
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"RS256"}))
		cache := NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
		v.keyFunc = func(token *jwt.Token) (interface{}, error) {
			kid, ok := token.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("token has no kid header")
			}
			return cache.GetKey(kid)
		}
	}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v
}

func (v *Verifier) parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, v.opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// Verify returns the actor encoded in a signed token. Revocation is not
// checked here; JWTMiddleware does that.
func (v *Verifier) Verify(tokenStr string) (Actor, error) {
	claims, err := v.parse(tokenStr)
	if err != nil {
		return Actor{}, err
	}
	return claims.Actor()
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// JWTMiddleware verifies the bearer token and puts the Actor on the request
// context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	verifier := NewVerifier(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}
			claims, err := verifier.parse(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			actor, err := claims.Actor()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if cfg.Revocations != nil {
				var issued time.Time
				if claims.IssuedAt != nil {
					issued = claims.IssuedAt.Time
				}
				revoked, err := cfg.Revocations.IsRevoked(c.Request().Context(), claims.ID, actor.ID, issued)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "token revocation check unavailable")
				}
				if revoked {
					return echo.NewHTTPError(http.StatusUnauthorized, "token has been revoked")
				}
			}
			setActor(c, actor)
			return next(c)
		}
	}
}

// DevActor is the identity used by DevAuthMiddleware when no token is sent.
var DevActor = Actor{ID: "dev-user", Name: "Development Administrator", Role: RoleAdministrator}

// DevAuthMiddleware admits requests without a token as DevActor. Requests
// that do send a token are verified like JWTMiddleware.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	strict := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" {
				setActor(c, DevActor)
				return next(c)
			}
			return verified(c)
		}
	}
}

func setActor(c echo.Context, a Actor) {
	ctx := WithActor(c.Request().Context(), a)
	c.SetRequest(c.Request().WithContext(ctx))
}
