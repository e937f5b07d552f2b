package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"microkernel/pkg/auth"
)

var ErrNoSigningKey = errors.New("no signing key configured")

// JWTProvider signs and verifies plugin manifests carried as JWTs, and the
// operator tokens accepted by the admin API.
type JWTProvider struct {
	name          string
	secretKey     []byte
	privateKey    *rsa.PrivateKey
	publicKey     *rsa.PublicKey
	signingMethod jwt.SigningMethod
	issuer        string
	audience      string
	expiration    time.Duration
}

type JWTConfig struct {
	Name       string        `json:"name" mapstructure:"name"`
	SecretKey  string        `json:"secret_key" mapstructure:"secret_key"`
	PrivateKey string        `json:"private_key" mapstructure:"private_key"`
	PublicKey  string        `json:"public_key" mapstructure:"public_key"`
	Algorithm  string        `json:"algorithm" mapstructure:"algorithm"`
	Issuer     string        `json:"issuer" mapstructure:"issuer"`
	Audience   string        `json:"audience" mapstructure:"audience"`
	Expiration time.Duration `json:"expiration" mapstructure:"expiration"`
}

// ManifestClaims wraps a raw manifest document in registered claims.
type ManifestClaims struct {
	jwt.RegisteredClaims
	Manifest json.RawMessage `json:"manifest"`
}

// OperatorClaims identify a caller of the admin API.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// NewJWTProvider builds a provider. RS256 providers may omit the private key
// when they only verify.
func NewJWTProvider(cfg *JWTConfig) (*JWTProvider, error) {
	provider := &JWTProvider{
		name:       cfg.Name,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		expiration: cfg.Expiration,
	}
	switch cfg.Algorithm {
	case "HS256", "":
		provider.signingMethod = jwt.SigningMethodHS256
		provider.secretKey = []byte(cfg.SecretKey)
	case "HS384":
		provider.signingMethod = jwt.SigningMethodHS384
		provider.secretKey = []byte(cfg.SecretKey)
	case "HS512":
		provider.signingMethod = jwt.SigningMethodHS512
		provider.secretKey = []byte(cfg.SecretKey)
	case "RS256":
		provider.signingMethod = jwt.SigningMethodRS256
		if cfg.PrivateKey != "" {
			privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			provider.privateKey = privateKey
			provider.publicKey = &privateKey.PublicKey
		}
		if cfg.PublicKey != "" {
			publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
			if err != nil {
				return nil, fmt.Errorf("failed to parse public key: %w", err)
			}
			provider.publicKey = publicKey
		}
		if provider.publicKey == nil {
			return nil, errors.New("RS256 requires a public or private key")
		}
	default:
		return nil, fmt.Errorf("unsupported signing method: %s", cfg.Algorithm)
	}

	if provider.isHMAC() && len(provider.secretKey) == 0 {
		return nil, fmt.Errorf("%s requires a secret key", provider.signingMethod.Alg())
	}
	return provider, nil
}

func (p *JWTProvider) isHMAC() bool {
	_, ok := p.signingMethod.(*jwt.SigningMethodHMAC)
	return ok
}

func (p *JWTProvider) Name() string {
	return p.name
}

// Sign wraps a manifest document (JSON) for the given subject, usually the
// plugin name.
func (p *JWTProvider) Sign(subject string, manifest []byte) (string, error) {
	if !json.Valid(manifest) {
		return "", errors.New("manifest is not valid JSON")
	}

	now := time.Now()
	claims := ManifestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   p.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Manifest: manifest,
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}
	if p.expiration > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(p.expiration))
	}

	tokenString, err := p.sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign manifest: %w", err)
	}
	return tokenString, nil
}

// IssueToken creates an operator token for subject holding roles.
func (p *JWTProvider) IssueToken(subject string, roles []string) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}

	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   p.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}
	if p.expiration > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(p.expiration))
	}

	tokenString, err := p.sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}
	return tokenString, nil
}

func (p *JWTProvider) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(p.signingMethod, claims)
	switch {
	case p.isHMAC():
		return token.SignedString(p.secretKey)
	case p.privateKey != nil:
		return token.SignedString(p.privateKey)
	default:
		return "", ErrNoSigningKey
	}
}

// Verify checks the signature and registered claims of tokenString and
// returns its claims.
func (p *JWTProvider) Verify(tokenString string) (*ManifestClaims, error) {
	claims := &ManifestClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if len(claims.Manifest) == 0 {
		return nil, errors.New("token carries no manifest")
	}
	return claims, nil
}

// VerifyToken checks an operator token. Manifest tokens carry no roles and
// are refused.
func (p *JWTProvider) VerifyToken(ctx context.Context, tokenString string) (*auth.AuthContext, error) {
	claims := &OperatorClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" || len(claims.Roles) == 0 {
		return nil, errors.New("token carries no operator identity")
	}

	authCtx := &auth.AuthContext{
		Subject:  claims.Subject,
		Roles:    claims.Roles,
		Token:    tokenString,
		Verifier: p.name,
	}
	if claims.ExpiresAt != nil {
		authCtx.ExpiresAt = claims.ExpiresAt.Time
	}
	return authCtx, nil
}

func (p *JWTProvider) parse(tokenString string, claims jwt.Claims) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{p.signingMethod.Alg()}),
		jwt.WithIssuedAt(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if p.isHMAC() {
			return p.secretKey, nil
		}
		return p.publicKey, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}
