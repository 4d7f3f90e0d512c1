// Package jwt validates signed gateway tokens presented by DMF gateways that
// act on behalf of many devices of one tenant.
// Supports RS256, RS384, RS512, ES256, ES384, ES512 algorithms.
package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token is malformed.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired indicates the token has expired.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenNotYetValid indicates the token is not yet valid.
	ErrTokenNotYetValid = errors.New("token not yet valid")
	// ErrInvalidSignature indicates the token signature is invalid.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnsupportedAlgorithm indicates an unsupported signing algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrInvalidIssuer indicates an invalid token issuer.
	ErrInvalidIssuer = errors.New("invalid issuer")
	// ErrInvalidAudience indicates an invalid token audience.
	ErrInvalidAudience = errors.New("invalid audience")
	// ErrControllerNotAllowed indicates the token does not cover the device.
	ErrControllerNotAllowed = errors.New("controller not covered by token")
)

// Claims represents the claims of a gateway token.
type Claims struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	JWTID     string   `json:"jti,omitempty"`

	// Tenant the gateway is bound to.
	Tenant string `json:"tenant,omitempty"`
	// Controllers optionally restricts the devices the gateway may speak for.
	Controllers []string `json:"controllers,omitempty"`
}

// Valid checks the time based claims, allowing skew in both directions.
func (c *Claims) Valid(skew time.Duration) error {
	now := time.Now()

	if c.ExpiresAt != 0 && now.Add(-skew).Unix() > c.ExpiresAt {
		return ErrTokenExpired
	}

	if c.NotBefore != 0 && now.Add(skew).Unix() < c.NotBefore {
		return ErrTokenNotYetValid
	}

	return nil
}

// Covers reports whether the token may act for controllerID.
func (c *Claims) Covers(controllerID string) bool {
	return len(c.Controllers) == 0 || slices.Contains(c.Controllers, controllerID)
}

// Header represents the JWT header.
type Header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid,omitempty"`
}

// Validator validates gateway tokens.
type Validator struct {
	publicKey      crypto.PublicKey
	expectedIssuer string
	expectedAuds   []string
	clockSkew      time.Duration
}

// ValidatorConfig holds validator configuration.
type ValidatorConfig struct {
	PublicKeyPEM   []byte
	ExpectedIssuer string
	ExpectedAuds   []string
	ClockSkew      time.Duration
}

// NewValidator creates a new gateway token validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	key, err := parsePublicKey(cfg.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	clockSkew := cfg.ClockSkew
	if clockSkew == 0 {
		clockSkew = 30 * time.Second
	}

	return &Validator{
		publicKey:      key,
		expectedIssuer: cfg.ExpectedIssuer,
		expectedAuds:   cfg.ExpectedAuds,
		clockSkew:      clockSkew,
	}, nil
}

// LooksSigned reports whether token has the three-segment compact form.
func LooksSigned(token string) bool {
	return strings.Count(token, ".") == 2
}

// Validate validates a token and returns its claims.
func (v *Validator) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}

	signedContent := parts[0] + "." + parts[1]
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}

	if err := v.verifySignature(header.Algorithm, signedContent, signature); err != nil {
		return nil, err
	}

	claimsBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	if err := claims.Valid(v.clockSkew); err != nil {
		return nil, err
	}

	if v.expectedIssuer != "" && claims.Issuer != v.expectedIssuer {
		return nil, ErrInvalidIssuer
	}

	if len(v.expectedAuds) > 0 && !v.audienceMatches(claims.Audience) {
		return nil, ErrInvalidAudience
	}

	return &claims, nil
}

func hashFor(alg string) crypto.Hash {
	switch alg[2:] {
	case "384":
		return crypto.SHA384
	case "512":
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

func (v *Validator) verifySignature(alg, signedContent string, signature []byte) error {
	switch alg {
	case "RS256", "RS384", "RS512":
		return v.verifyRSA(hashFor(alg), signedContent, signature)
	case "ES256", "ES384", "ES512":
		return v.verifyECDSA(hashFor(alg), signedContent, signature)
	default:
		return ErrUnsupportedAlgorithm
	}
}

func (v *Validator) verifyRSA(hash crypto.Hash, signedContent string, signature []byte) error {
	rsaKey, ok := v.publicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: public key is not RSA", ErrInvalidSignature)
	}

	h := hash.New()
	h.Write([]byte(signedContent))

	if err := rsa.VerifyPKCS1v15(rsaKey, hash, h.Sum(nil), signature); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

func (v *Validator) verifyECDSA(hash crypto.Hash, signedContent string, signature []byte) error {
	ecKey, ok := v.publicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: public key is not ECDSA", ErrInvalidSignature)
	}

	h := hash.New()
	h.Write([]byte(signedContent))

	// JWS encodes the signature as fixed-width r || s.
	keySize := (ecKey.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*keySize {
		return ErrInvalidSignature
	}
	r := new(big.Int).SetBytes(signature[:keySize])
	s := new(big.Int).SetBytes(signature[keySize:])
	if !ecdsa.Verify(ecKey, h.Sum(nil), r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Validator) audienceMatches(tokenAuds []string) bool {
	for _, expected := range v.expectedAuds {
		if slices.Contains(tokenAuds, expected) {
			return true
		}
	}
	return false
}

func parsePublicKey(pemData []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS1 public key: %w", err)
		}
		return key, nil
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
