// Package auth implements registration, login, OAuth sign-in and password
// recovery on top of the credential store, session manager and reset
// service.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/globalyzing/globalyzing/internal/database"
	"github.com/globalyzing/globalyzing/internal/reset"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/globalyzing/globalyzing/pkg/util/passwordutil"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Auth errors
var (
	// ErrInvalidCredentials is returned for every failed login, whether the
	// email is unknown or the password is wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrDuplicateAccount means the email already belongs to an account, or
	// the provider identity cannot be linked to the account using its email.
	ErrDuplicateAccount = errors.New("an account with that email already exists")

	// ErrInvalidOrExpiredToken is returned for unknown, used or expired
	// reset tokens.
	ErrInvalidOrExpiredToken = errors.New("password reset token is invalid or has expired")

	// ErrTransport means a notification could not be sent.
	ErrTransport = reset.ErrTransport

	// ErrNotFound means no account exists for the email.
	ErrNotFound = errors.New("no account with that email address exists")

	// ErrInvalidRequest means a required field was missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInternal hides store failures from callers. Details are logged.
	ErrInternal = errors.New("internal error")
)

// DefaultMinPassword is the shortest accepted password.
const DefaultMinPassword = 6

// MailTimeout bounds an operation that sends mail.
const MailTimeout = 30 * time.Second

// Options configures NewService.
type Options struct {
	DB    database.Database
	Reset *reset.Service

	// MinPassword defaults to DefaultMinPassword.
	MinPassword int

	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// Service is the entry point for authentication flows.
type Service struct {
	db          database.Database
	reset       *reset.Service
	minPassword int
	now         func() time.Time
	logger      *zap.SugaredLogger

	// verify compares a password with a hash.
	verify func(password, hash string) bool

	// tracks confirmation mails still being sent
	wg sync.WaitGroup
}

// NewService creates an auth service.
func NewService(opts Options) (*Service, error) {
	if opts.DB == nil || opts.Reset == nil {
		return nil, errors.New("auth service requires a database and a reset service")
	}
	s := &Service{
		db:          opts.DB,
		reset:       opts.Reset,
		minPassword: opts.MinPassword,
		now:         opts.Now,
		logger:      opts.Logger,
		verify:      passwordutil.CheckPasswordHash,
	}
	if s.minPassword <= 0 {
		s.minPassword = DefaultMinPassword
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	return s, nil
}

// Close waits for pending confirmation mails.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) internal(err error, msg string) error {
	s.logger.Errorw(msg, "error", err)
	return errors.Wrap(ErrInternal, msg)
}

func (s *Service) checkPassword(password string) error {
	if password == "" {
		return errors.Wrap(ErrInvalidRequest, "password cannot be empty")
	}
	if len(password) < s.minPassword {
		return errors.Wrapf(ErrInvalidRequest, "password must be at least %d characters", s.minPassword)
	}
	return nil
}

func newUserID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Register creates a local account. An email already in use, including by
// an account created through an external provider, is ErrDuplicateAccount.
func (s *Service) Register(ctx context.Context, email, password string) (*model.User, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "email cannot be empty")
	}
	if err := s.checkPassword(password); err != nil {
		return nil, err
	}

	_, err := s.db.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, ErrDuplicateAccount
	case !database.IsNotFound(err):
		return nil, s.internal(err, "Error looking up account")
	}

	hash, err := passwordutil.GeneratePasswordHash(password)
	if err != nil {
		return nil, s.internal(err, "Error hashing password")
	}
	now := s.now().UTC()

	id, err := newUserID()
	if err != nil {
		return nil, s.internal(err, "Error generating user ID")
	}
	user := &model.User{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		Provider:     model.ProviderLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.RegisterUser(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, ErrDuplicateAccount
		}
		return nil, s.internal(err, "Error registering user")
	}
	s.logger.Infow("User registered", "user", user.ID)
	return user, nil
}

// Login verifies an email and password.
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, error) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.db.GetUserByEmail(ctx, email)
	if err != nil && !database.IsNotFound(err) {
		return nil, s.internal(err, "Error looking up account")
	}
	if err != nil || !user.HasPassword() {
		// Same bcrypt work as a real check.
		s.verify(password, placeholderHash())
		return nil, ErrInvalidCredentials
	}
	if !s.verify(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

var (
	placeholderOnce sync.Once
	placeholder     string
)

// placeholderHash is compared against when there is no hash to check.
func placeholderHash() string {
	placeholderOnce.Do(func() {
		hash, err := passwordutil.GeneratePasswordHash("globalyzing-placeholder")
		if err == nil {
			placeholder = hash
		}
	})
	return placeholder
}

// HandleOAuthCallback finds or creates the account for a provider profile.
// An unlinked account with the same email is linked when the provider has
// verified the email. Linking drops the account's password and any pending
// reset token, since whoever set them never proved they own the email.
func (s *Service) HandleOAuthCallback(ctx context.Context, profile *model.ProviderProfile) (*model.User, error) {
	if profile == nil || profile.ID == "" || !profile.Provider.IsValid() {
		return nil, errors.Wrap(ErrInvalidRequest, "incomplete provider profile")
	}

	user, err := s.db.GetUserByOAuthID(ctx, profile.Provider, profile.ID)
	if err == nil {
		return user, nil
	} else if !database.IsNotFound(err) {
		return nil, s.internal(err, "Error looking up provider account")
	}

	email := model.NormalizeEmail(profile.Email)
	if email == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "provider profile has no email")
	}
	now := s.now().UTC()

	existing, err := s.db.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.HasOAuth() || !profile.EmailVerified {
			return nil, ErrDuplicateAccount
		}
		existing.Provider = profile.Provider
		existing.OAuthID = profile.ID
		existing.PasswordHash = ""
		existing.ClearResetToken()
		existing.UpdatedAt = now
		if err := s.db.UpdateUser(ctx, existing); err != nil {
			if errors.Is(err, database.ErrDuplicate) {
				return nil, ErrDuplicateAccount
			}
			return nil, s.internal(err, "Error linking provider account")
		}
		s.logger.Infow("Provider linked", "user", existing.ID, "provider", profile.Provider)
		return existing, nil
	case !database.IsNotFound(err):
		return nil, s.internal(err, "Error looking up account")
	}

	id, err := newUserID()
	if err != nil {
		return nil, s.internal(err, "Error generating user ID")
	}
	user = &model.User{
		ID:        id,
		Email:     email,
		Provider:  profile.Provider,
		OAuthID:   profile.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.RegisterUser(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, ErrDuplicateAccount
		}
		return nil, s.internal(err, "Error registering provider account")
	}
	s.logger.Infow("User registered", "user", user.ID, "provider", profile.Provider)

	seed := &model.Profile{
		UserID:    user.ID,
		FirstName: profile.GivenName,
		LastName:  profile.FamilyName,
	}
	if err := s.db.SaveProfile(ctx, seed); err != nil {
		s.logger.Warnw("Error seeding profile", "user", user.ID, "error", err)
	}
	return user, nil
}

// RequestReset mails a reset link for the account under email. ErrNotFound
// means no such account; ErrTransport means the token was stored but the
// mail was not sent.
func (s *Service) RequestReset(ctx context.Context, email, origin string) error {
	_, err := s.reset.Issue(ctx, email, origin)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, reset.ErrNoAccount):
		return ErrNotFound
	case errors.Is(err, reset.ErrTransport):
		return err
	}
	return s.internal(err, "Error issuing reset token")
}

// ValidateResetToken returns the account a reset token belongs to.
func (s *Service) ValidateResetToken(ctx context.Context, token string) (*model.User, error) {
	user, err := s.reset.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, reset.ErrInvalidToken) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, s.internal(err, "Error validating reset token")
	}
	return user, nil
}

// CompleteReset sets a new password using a reset token. A confirmation
// mail is sent in the background once the change is stored.
func (s *Service) CompleteReset(ctx context.Context, token, newPassword string) (*model.User, error) {
	if _, err := s.ValidateResetToken(ctx, token); err != nil {
		return nil, err
	}
	if err := s.checkPassword(newPassword); err != nil {
		return nil, err
	}
	user, err := s.reset.Consume(ctx, token, newPassword)
	if err != nil {
		if errors.Is(err, reset.ErrInvalidToken) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, s.internal(err, "Error resetting password")
	}

	s.wg.Add(1)
	go func(user *model.User) {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), MailTimeout)
		defer cancel()
		if err := s.reset.SendConfirmation(ctx, user); err != nil {
			s.logger.Errorw("Confirmation mail not delivered", "user", user.ID, "error", err)
		}
	}(user)

	return user, nil
}

// Landing paths after sign-in.
const (
	HomePath    = "/"
	ProfilePath = "/profile"
)

// LandingPath returns where user goes after signing in: home once the
// profile has a CV, otherwise the profile form.
func (s *Service) LandingPath(ctx context.Context, user *model.User) string {
	profile, err := s.db.GetProfile(ctx, user.ID)
	if err != nil {
		if !database.IsNotFound(err) {
			s.logger.Warnw("Error loading profile", "user", user.ID, "error", err)
		}
		return ProfilePath
	}
	if profile.Complete() {
		return HomePath
	}
	return ProfilePath
}
