package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mp3converter/models"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Verifier turns a bearer token into verified claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Claims, error)
}

// minSecretLen is the HS256 key size go-jose enforces.
const minSecretLen = 32

type tokenClaims struct {
	jwt.Claims
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLen)
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, leeway: time.Minute}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (models.Claims, error) {
	token = stripBearer(token)
	if token == "" {
		return models.Claims{}, fmt.Errorf("%w: missing credentials", models.ErrUnauthorized)
	}

	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return models.Claims{}, fmt.Errorf("%w: malformed token: %v", models.ErrUnauthorized, err)
	}

	var c tokenClaims
	if err := tok.Claims(v.secret, &c); err != nil {
		return models.Claims{}, fmt.Errorf("%w: bad signature: %v", models.ErrUnauthorized, err)
	}

	expected := jwt.Expected{Issuer: v.issuer, Time: time.Now()}
	if err := c.ValidateWithLeeway(expected, v.leeway); err != nil {
		return models.Claims{}, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}

	if c.Username == "" {
		c.Username = c.Subject
	}
	if c.Username == "" {
		return models.Claims{}, fmt.Errorf("%w: token has no username", models.ErrUnauthorized)
	}

	return models.Claims{Username: c.Username, Admin: c.Admin}, nil
}

// Sign issues a token for claims valid for ttl. Used by the token command and tests.
func (v *JWTVerifier) Sign(claims models.Claims, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: v.secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	now := time.Now()
	c := tokenClaims{
		Claims: jwt.Claims{
			Subject:  claims.Username,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: claims.Username,
		Admin:    claims.Admin,
	}

	token, err := jwt.Signed(signer).Claims(c).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to create JWT: %w", err)
	}
	return token, nil
}

func stripBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// AuthServiceClient delegates login and token validation to the auth service.
type AuthServiceClient struct {
	baseURL string
	client  *http.Client
}

func NewAuthServiceClient(addr string) *AuthServiceClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &AuthServiceClient{
		baseURL: strings.TrimRight(addr, "/"),
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// Login exchanges basic credentials for a token.
func (a *AuthServiceClient) Login(ctx context.Context, username, password string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/login", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(username, password)

	body, err := a.do(req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Verify asks the auth service to validate token and decodes the claims it returns.
func (a *AuthServiceClient) Verify(ctx context.Context, token string) (models.Claims, error) {
	if strings.TrimSpace(token) == "" {
		return models.Claims{}, fmt.Errorf("%w: missing credentials", models.ErrUnauthorized)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/validate", nil)
	if err != nil {
		return models.Claims{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", token)

	body, err := a.do(req)
	if err != nil {
		return models.Claims{}, err
	}

	var claims models.Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return models.Claims{}, fmt.Errorf("%w: undecodable claims from auth service: %w", models.ErrUpstream, err)
	}
	if claims.Username == "" {
		return models.Claims{}, fmt.Errorf("%w: auth service returned no username", models.ErrUnauthorized)
	}
	return claims, nil
}

func (a *AuthServiceClient) do(req *http.Request) ([]byte, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: auth service unreachable: %w", models.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read auth response: %w", models.ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", models.ErrUnauthorized, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("%w: auth service returned status %d: %s", models.ErrUpstream, resp.StatusCode, string(body))
	}
}

var (
	_ Verifier = (*JWTVerifier)(nil)
	_ Verifier = (*AuthServiceClient)(nil)
)
