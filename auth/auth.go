/*
Package auth is the authentication adapter and role store.

PURPOSE:
  Identities live in the users collection with a bcrypt password hash and a
  role. Sessions are HS256 JWTs carrying the user id as subject; the role is
  read from the store on every request so SetRole takes effect at once.

ROLES:
  admin      full access
  student    read access to the linked student's own records
  anonymous  no stored identity (or no valid session)

REGISTRATION:
  SignUp creates a student identity and returns its session. An admin
  registers someone else through SignUpWithoutSession, which returns the
  new identity and leaves every session untouched.

SIGN OUT:
  Tokens carry a unique id; SignOut records it in the revoked collection
  until the token would have expired.

SEE ALSO:
  - middleware.go: HTTP middleware and context principal
  - api/server.go: Route guards
*/
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/warp/studio-ledger/docstore"
	"github.com/warp/studio-ledger/school"
	"golang.org/x/crypto/bcrypt"
)

// Collection names.
const (
	UsersCollection   = "users"
	RevokedCollection = "revokedTokens"
)

// Role is the authorization level of a user.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleStudent   Role = "student"
	RoleAnonymous Role = "anonymous"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStudent, RoleAnonymous:
		return true
	}
	return false
}

// ErrUnauthenticated is returned for bad credentials and invalid sessions.
var ErrUnauthenticated = errors.New("unauthenticated")

// User is the stored identity.
type User struct {
	ID           string             `json:"id"`
	Email        string             `json:"email"`
	PasswordHash string             `json:"passwordHash"`
	Role         Role               `json:"role"`
	CreatedAt    docstore.Timestamp `json:"createdAt"`
}

// Identity is the public part of a user.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is a signed token and the identity it belongs to.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      Identity  `json:"user"`
	Role      Role      `json:"role"`
}

// Principal is the caller of a request.
type Principal struct {
	UserID string
	Email  string
	Role   Role
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Anonymous is the principal of unauthenticated requests.
var Anonymous = Principal{Role: RoleAnonymous}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type revoked struct {
	ExpiresAt docstore.Timestamp `json:"expiresAt"`
}

// Config holds the session settings.
type Config struct {
	Secret     []byte
	Issuer     string
	TTL        time.Duration
	BcryptCost int
	Logger     *slog.Logger
	Clock      func() time.Time
}

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

// Service is the AuthenticationAdapter plus the RoleStore.
type Service struct {
	store  docstore.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	valid  *validator.Validate

	// signups serialises the email uniqueness check
	signups sync.Mutex
}

func New(store docstore.Store, cfg Config) (*Service, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "studio-ledger"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{store: store, cfg: cfg, logger: cfg.Logger, now: cfg.Clock, valid: validator.New()}, nil
}

// =============================================================================
// SIGN UP / SIGN IN
// =============================================================================

// SignUp registers a student identity and opens its session.
func (s *Service) SignUp(ctx context.Context, email, password string) (Session, error) {
	u, err := s.create(ctx, "auth.signUp", email, password, RoleStudent)
	if err != nil {
		return Session{}, err
	}
	return s.issue(u)
}

// SignUpWithoutSession registers an identity on behalf of an admin. No
// token is issued.
func (s *Service) SignUpWithoutSession(ctx context.Context, by Principal, email, password string, role Role) (Identity, error) {
	const op = "auth.signUpWithoutSession"
	if !by.IsAdmin() {
		return Identity{}, school.NewError(school.KindPermissionDenied, op, "admin role required", nil)
	}
	if role == "" {
		role = RoleStudent
	}
	if role == RoleAnonymous || !role.Valid() {
		return Identity{}, school.NewError(school.KindValidationFailed, op, fmt.Sprintf("invalid role %q", role), nil)
	}
	u, err := s.create(ctx, op, email, password, role)
	if err != nil {
		return Identity{}, err
	}
	s.logger.Info("identity registered by admin", "user", u.ID, "role", u.Role, "by", by.UserID)
	return Identity{ID: u.ID, Email: u.Email}, nil
}

// EnsureAdmin creates the admin identity for email unless one exists, and
// promotes an existing identity to admin.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (Identity, bool, error) {
	const op = "auth.ensureAdmin"
	u, found, err := s.byEmail(ctx, op, email)
	if err != nil {
		return Identity{}, false, err
	}
	if found {
		if u.Role != RoleAdmin {
			if err := s.setRole(ctx, op, u.ID, RoleAdmin); err != nil {
				return Identity{}, false, err
			}
		}
		return Identity{ID: u.ID, Email: u.Email}, false, nil
	}
	u, err = s.create(ctx, op, email, password, RoleAdmin)
	if err != nil {
		return Identity{}, false, err
	}
	return Identity{ID: u.ID, Email: u.Email}, true, nil
}

// SignIn checks the credentials and opens a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	const op = "auth.signIn"
	u, found, err := s.byEmail(ctx, op, email)
	if err != nil {
		return Session{}, err
	}
	if !found {
		// same cost as a wrong password
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Session{}, fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Session{}, fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	}
	return s.issue(u)
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("studio-ledger"), bcrypt.MinCost)

// SignOut revokes the token until its expiry.
func (s *Service) SignOut(ctx context.Context, token string) error {
	c, err := s.parse(token)
	if err != nil {
		return err
	}
	return school.Wrap("auth.signOut", s.store.Set(ctx, RevokedCollection, c.ID, revoked{ExpiresAt: docstore.At(c.ExpiresAt.Time)}))
}

// =============================================================================
// SESSIONS
// =============================================================================

// Verify resolves a token to its principal, reading the current role.
func (s *Service) Verify(ctx context.Context, token string) (Principal, error) {
	const op = "auth.verify"
	c, err := s.parse(token)
	if err != nil {
		return Anonymous, err
	}
	if _, err := s.store.Get(ctx, RevokedCollection, c.ID); err == nil {
		return Anonymous, fmt.Errorf("%s: token revoked: %w", op, ErrUnauthenticated)
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return Anonymous, school.Wrap(op, err)
	}
	role, err := s.GetRole(ctx, c.Subject)
	if err != nil {
		return Anonymous, err
	}
	if role == RoleAnonymous {
		return Anonymous, fmt.Errorf("%s: unknown user: %w", op, ErrUnauthenticated)
	}
	return Principal{UserID: c.Subject, Email: c.Email, Role: role}, nil
}

func (s *Service) issue(u User) (Session, error) {
	now := s.now()
	exp := now.Add(s.cfg.TTL)
	c := claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.cfg.Secret)
	if err != nil {
		return Session{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return Session{
		Token:     token,
		ExpiresAt: exp,
		User:      Identity{ID: u.ID, Email: u.Email},
		Role:      u.Role,
	}, nil
}

func (s *Service) parse(token string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: %v: %w", err, ErrUnauthenticated)
	}
	if c.Subject == "" || c.ID == "" {
		return nil, fmt.Errorf("auth: incomplete token: %w", ErrUnauthenticated)
	}
	return c, nil
}

// =============================================================================
// ROLE STORE
// =============================================================================

// GetRole returns the stored role, or anonymous for unknown users.
func (s *Service) GetRole(ctx context.Context, userID string) (Role, error) {
	u, err := s.get(ctx, "auth.getRole", userID)
	if errors.Is(err, school.ErrNotFound) {
		return RoleAnonymous, nil
	}
	if err != nil {
		return RoleAnonymous, err
	}
	return u.Role, nil
}

// SetRole changes a user's role. Only admins may call it.
func (s *Service) SetRole(ctx context.Context, by Principal, userID string, role Role) error {
	const op = "auth.setRole"
	if !by.IsAdmin() {
		return school.NewError(school.KindPermissionDenied, op, "admin role required", nil)
	}
	if !role.Valid() {
		return school.NewError(school.KindValidationFailed, op, fmt.Sprintf("invalid role %q", role), nil)
	}
	if err := s.setRole(ctx, op, userID, role); err != nil {
		return err
	}
	s.logger.Info("role changed", "user", userID, "role", role, "by", by.UserID)
	return nil
}

func (s *Service) setRole(ctx context.Context, op, userID string, role Role) error {
	err := s.store.Update(ctx, UsersCollection, userID, func(cur json.RawMessage) (any, error) {
		if cur == nil {
			return nil, docstore.ErrNotFound
		}
		var u User
		if err := docstore.DecodeStrict(cur, &u); err != nil {
			return nil, err
		}
		if u.Role == role {
			return nil, docstore.ErrNoChange
		}
		u.Role = role
		return u, nil
	})
	if errors.Is(err, docstore.ErrNoChange) {
		return nil
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return school.NewError(school.KindNotFound, op, "user "+userID+" not found", nil)
	}
	return school.Wrap(op, err)
}

// =============================================================================
// USERS
// =============================================================================

// Get fetches one user.
func (s *Service) Get(ctx context.Context, id string) (Identity, error) {
	u, err := s.get(ctx, "auth.get", id)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: u.ID, Email: u.Email}, nil
}

func (s *Service) get(ctx context.Context, op, id string) (User, error) {
	doc, err := s.store.Get(ctx, UsersCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return User{}, school.NewError(school.KindNotFound, op, "user "+id+" not found", nil)
	}
	if err != nil {
		return User{}, school.Wrap(op, err)
	}
	var u User
	if err := doc.Decode(&u); err != nil {
		return User{}, school.NewError(school.KindInconsistent, op, "user "+id, err)
	}
	return u, nil
}

func (s *Service) byEmail(ctx context.Context, op, email string) (User, bool, error) {
	docs, err := s.store.Query(ctx, UsersCollection, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("email", docstore.OpEq, normalizeEmail(email))},
		Limit:   1,
	})
	if err != nil {
		return User{}, false, school.Wrap(op, err)
	}
	if len(docs) == 0 {
		return User{}, false, nil
	}
	var u User
	if err := docs[0].Decode(&u); err != nil {
		return User{}, false, school.NewError(school.KindInconsistent, op, "user "+docs[0].ID, err)
	}
	return u, true, nil
}

func (s *Service) create(ctx context.Context, op, email, password string, role Role) (User, error) {
	email = normalizeEmail(email)
	if err := s.valid.Var(email, "required,email,max=254"); err != nil {
		return User{}, school.NewError(school.KindValidationFailed, op, "invalid email", nil)
	}
	if err := s.valid.Var(password, "min=8,max=72"); err != nil {
		return User{}, school.NewError(school.KindValidationFailed, op, "password must be 8-72 characters", nil)
	}

	s.signups.Lock()
	defer s.signups.Unlock()
	if _, found, err := s.byEmail(ctx, op, email); err != nil {
		return User{}, err
	} else if found {
		return User{}, school.NewError(school.KindValidationFailed, op, "email already registered", nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("%s: hash password: %w", op, err)
	}
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    docstore.At(s.now()),
	}
	if err := s.store.Set(ctx, UsersCollection, u.ID, u); err != nil {
		return User{}, school.Wrap(op, err)
	}
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
