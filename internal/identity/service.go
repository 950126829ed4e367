package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tessera.org/internal/ids"
)

const (
	defaultAccessTTL       = 15 * time.Minute
	defaultRefreshTTL      = 12 * time.Hour
	defaultVerifierTimeout = 5 * time.Second

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// FederatedVerifier validates a third-party identity token and returns the
// verified subject email. Implementations live outside this package.
type FederatedVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// Service is the authentication engine. One authentication attempt per call;
// no session state is retained between calls, and authentication never
// mutates the user record.
type Service struct {
	store    Store
	keyring  *Keyring
	hasher   *PasswordHasher
	verifier FederatedVerifier
	notifier Notifier
	now      func() time.Time

	issuer          string
	federatedRole   string
	accessTTL       time.Duration
	refreshTTL      time.Duration
	verifierTimeout time.Duration
}

// TokenClaims are the JWT claims tessera mints and verifies.
type TokenClaims struct {
	TokenType string `json:"token_type"`
	Tenant    string `json:"tenant"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) { s.issuer = strings.TrimSpace(issuer) }
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithFederatedVerifier attaches the external token verifier collaborator.
func WithFederatedVerifier(v FederatedVerifier) ServiceOption {
	return func(s *Service) { s.verifier = v }
}

// WithVerifierTimeout bounds how long a federated verification may block.
func WithVerifierTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.verifierTimeout = d
		}
	}
}

// WithFederatedRole sets the role assigned to users created through the
// federated grant.
func WithFederatedRole(role string) ServiceOption {
	return func(s *Service) {
		if role = strings.TrimSpace(role); role != "" {
			s.federatedRole = role
		}
	}
}

// WithNotifier attaches a domain notification sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the authentication engine.
func NewService(store Store, keyring *Keyring, hasher *PasswordHasher, opts ...ServiceOption) *Service {
	s := &Service{
		store:           store,
		keyring:         keyring,
		hasher:          hasher,
		now:             time.Now,
		issuer:          ServiceIdentifier,
		federatedRole:   "user",
		accessTTL:       defaultAccessTTL,
		refreshTTL:      defaultRefreshTTL,
		verifierTimeout: defaultVerifierTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthenticatePassword evaluates the password grant. Unknown identifiers and
// wrong passwords surface as the same error.
func (s *Service) AuthenticatePassword(ctx context.Context, tenant, identifier, password string) (AuthenticationDecision, error) {
	if tenant == "" || identifier == "" || password == "" {
		return AuthenticationDecision{}, fmt.Errorf("%w: tenant, identifier and password are required", ErrBadRequest)
	}

	record, err := s.store.Tenants().Get(ctx, tenant)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthenticationDecision{}, ErrNotProvisioned
		}
		return AuthenticationDecision{}, fmt.Errorf("%w: load tenant record: %v", ErrInternal, err)
	}

	user, err := s.store.Users().Get(ctx, tenant, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthenticationDecision{}, ErrInvalidCredentials
		}
		return AuthenticationDecision{}, fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}
	if !user.HasPassword() {
		// Federated accounts never authenticate through the password branch.
		return AuthenticationDecision{}, ErrInvalidCredentials
	}
	if !s.hasher.Verify(password, record.FixedSalt, user.Salt, user.IterationCount, user.PasswordHash) {
		return AuthenticationDecision{}, ErrInvalidCredentials
	}

	return s.mintDecision(ctx, tenant, user)
}

// AuthenticateRefreshToken evaluates the refresh-token grant. The signing key
// is resolved by the timestamp embedded in the token header, so tokens issued
// before a rotation still verify.
func (s *Service) AuthenticateRefreshToken(ctx context.Context, tenant, token string) (AuthenticationDecision, error) {
	if tenant == "" || token == "" {
		return AuthenticationDecision{}, fmt.Errorf("%w: tenant and refresh token are required", ErrBadRequest)
	}

	claims, err := s.verifyToken(ctx, tenant, token, tokenTypeRefresh)
	if err != nil {
		return AuthenticationDecision{}, err
	}

	user, err := s.store.Users().Get(ctx, tenant, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthenticationDecision{}, ErrInvalidCredentials
		}
		return AuthenticationDecision{}, fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}

	return s.mintDecision(ctx, tenant, user)
}

// AuthenticateFederated evaluates a third-party identity token. The external
// verifier runs under a bounded timeout; verification failure surfaces as a
// bad request, never a retry loop. On success the user record is created or
// reused with no local password.
func (s *Service) AuthenticateFederated(ctx context.Context, tenant, identifier, federatedToken string) (AuthenticationDecision, error) {
	if tenant == "" || identifier == "" || federatedToken == "" {
		return AuthenticationDecision{}, fmt.Errorf("%w: tenant, identifier and token are required", ErrBadRequest)
	}
	if s.verifier == nil {
		return AuthenticationDecision{}, fmt.Errorf("%w: federated login is not configured", ErrBadRequest)
	}

	vctx, cancel := context.WithTimeout(ctx, s.verifierTimeout)
	defer cancel()
	subject, err := s.verifier.Verify(vctx, federatedToken)
	if err != nil {
		return AuthenticationDecision{}, fmt.Errorf("%w: federated token verification failed", ErrBadRequest)
	}
	if !strings.EqualFold(strings.TrimSpace(subject), strings.TrimSpace(identifier)) {
		return AuthenticationDecision{}, fmt.Errorf("%w: federated subject does not match identifier", ErrBadRequest)
	}

	user, err := s.store.Users().Get(ctx, tenant, identifier)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		user, err = s.createFederatedUser(ctx, tenant, identifier)
		if err != nil {
			return AuthenticationDecision{}, err
		}
	default:
		return AuthenticationDecision{}, fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}

	return s.mintDecision(ctx, tenant, user)
}

// VerifyAccessToken validates an access token and returns its claims. Used
// by the transport layer's bearer authentication.
func (s *Service) VerifyAccessToken(ctx context.Context, tenant, token string) (*TokenClaims, error) {
	return s.verifyToken(ctx, tenant, token, tokenTypeAccess)
}

func (s *Service) createFederatedUser(ctx context.Context, tenant, identifier string) (*User, error) {
	if IsReservedIdentifier(identifier) {
		return nil, fmt.Errorf("%w: identifier %q is reserved", ErrBadRequest, identifier)
	}
	now := s.now().UTC()
	user := &User{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Role:       s.federatedRole,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Users().Upsert(ctx, tenant, user); err != nil {
		return nil, fmt.Errorf("%w: store federated user: %v", ErrInternal, err)
	}
	notify(s.notifier, newNotification(tenant, OperationUserCreated, identifier, now))
	return user, nil
}

func (s *Service) mintDecision(ctx context.Context, tenant string, user *User) (AuthenticationDecision, error) {
	key, err := s.keyring.ActiveKey(ctx, tenant)
	if err != nil {
		return AuthenticationDecision{}, err
	}

	now := s.now().UTC()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)

	access, err := s.signToken(key, tenant, user, tokenTypeAccess, now, accessExp)
	if err != nil {
		return AuthenticationDecision{}, err
	}
	refresh, err := s.signToken(key, tenant, user, tokenTypeRefresh, now, refreshExp)
	if err != nil {
		return AuthenticationDecision{}, err
	}

	return AuthenticationDecision{
		Subject:               user.Identifier,
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: refreshExp,
		PasswordExpiresOn:     user.PasswordExpiresOn,
	}, nil
}

func (s *Service) signToken(key *SigningKey, tenant string, user *User, tokenType string, now, expires time.Time) (string, error) {
	claims := TokenClaims{
		TokenType: tokenType,
		Tenant:    tenant,
		Role:      user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.Identifier,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        ids.New(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.Timestamp
	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: sign token: %v", ErrInternal, err)
	}
	return signed, nil
}

// verifyToken resolves the signing key by the kid header, trying historical
// keys rather than only the active one.
func (s *Service) verifyToken(ctx context.Context, tenant, token, wantType string) (*TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodRS256 {
			return nil, ErrInvalidCredentials
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrInvalidCredentials
		}
		key, err := s.keyring.KeyByTimestamp(ctx, tenant, kid)
		if err != nil {
			return nil, ErrInvalidCredentials
		}
		return key.PublicKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	if claims.TokenType != wantType || claims.Tenant != tenant {
		return nil, ErrInvalidCredentials
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidCredentials
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
