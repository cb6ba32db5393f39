// Package reset issues and redeems single-use password-reset tokens.
package reset

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/globalyzing/globalyzing/internal/database"
	"github.com/globalyzing/globalyzing/internal/email"
	"github.com/globalyzing/globalyzing/internal/templates"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/globalyzing/globalyzing/pkg/util/passwordutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Token configuration.
const (
	TokenBytes      = 20 // 40 hex chars
	DefaultLifetime = time.Hour
)

// Mail subjects.
const (
	SubjectRequest = "Password Reset"
	SubjectConfirm = "Your password has been changed"
)

// Reset errors
var (
	ErrNoAccount    = errors.New("no account with that email address exists")
	ErrInvalidToken = errors.New("password reset token is invalid or has expired")
	ErrTransport    = email.ErrTransport
)

// Options configures NewService.
type Options struct {
	DB     database.UserDB
	Mailer email.Sender

	// Templates defaults to the embedded mail templates.
	Templates *template.Template

	// Lifetime defaults to DefaultLifetime.
	Lifetime time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *zap.SugaredLogger
}

// Service manages the reset-token lifecycle for identity records.
type Service struct {
	db        database.UserDB
	mailer    email.Sender
	templates *template.Template
	lifetime  time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// Ticket describes an issued token.
type Ticket struct {
	User      *model.User
	Token     string
	ExpiresAt time.Time
	URL       string
}

// NewService creates a reset service.
func NewService(opts Options) (*Service, error) {
	if opts.DB == nil || opts.Mailer == nil {
		return nil, errors.New("reset service requires a database and a mailer")
	}
	s := &Service{
		db:        opts.DB,
		mailer:    opts.Mailer,
		templates: opts.Templates,
		lifetime:  opts.Lifetime,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	if s.templates == nil {
		t, err := templates.Parse()
		if err != nil {
			return nil, errors.Wrap(err, "parse mail templates")
		}
		s.templates = t
	}
	if s.lifetime <= 0 {
		s.lifetime = DefaultLifetime
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	return s, nil
}

// GenerateToken creates a random hex-encoded token.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate reset token")
	}
	return hex.EncodeToString(b), nil
}

// ResetURL builds the link mailed to the user.
func ResetURL(origin, token string) string {
	return fmt.Sprintf("%s/reset/%s", strings.TrimSuffix(origin, "/"), token)
}

// Issue creates a token for the account registered under addr, replacing any
// earlier one, and mails a reset link rooted at origin. The token is stored
// before the mail is sent; if sending fails the returned ticket is still
// valid and the error matches ErrTransport.
func (s *Service) Issue(ctx context.Context, addr, origin string) (*Ticket, error) {
	addr = model.NormalizeEmail(addr)
	if addr == "" {
		return nil, ErrNoAccount
	}
	user, err := s.db.GetUserByEmail(ctx, addr)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNoAccount
		}
		return nil, errors.Wrap(err, "look up account")
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	expiry := now.Add(s.lifetime)
	user.SetResetToken(token, expiry)
	user.UpdatedAt = now
	if err := s.db.UpdateUser(ctx, user); err != nil {
		return nil, errors.Wrap(err, "store reset token")
	}

	ticket := &Ticket{
		User:      user,
		Token:     token,
		ExpiresAt: expiry,
		URL:       ResetURL(origin, token),
	}

	body, err := templates.Render(s.templates, templates.ResetRequest, templates.ResetRequestData{URL: ticket.URL})
	if err != nil {
		return ticket, errors.Wrap(err, "render reset mail")
	}
	if err := s.mailer.Send(ctx, user.Email, SubjectRequest, body); err != nil {
		s.logger.Errorw("Reset mail not delivered", "user", user.ID, "error", err)
		return ticket, errors.Wrapf(ErrTransport, "send reset mail: %v", err)
	}
	s.logger.Infow("Reset token issued", "user", user.ID, "expires", expiry)
	return ticket, nil
}

// Validate returns the user holding token while the token is unexpired.
func (s *Service) Validate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	user, err := s.db.GetUserByResetToken(ctx, token, s.now())
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrInvalidToken
		}
		return nil, errors.Wrap(err, "look up reset token")
	}
	return user, nil
}

// Consume redeems token, replacing the user's password. The new hash and the
// cleared token are written in one update.
func (s *Service) Consume(ctx context.Context, token, newPassword string) (*model.User, error) {
	if newPassword == "" {
		return nil, passwordutil.ErrEmptyPassword
	}
	user, err := s.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	hash, err := passwordutil.GeneratePasswordHash(newPassword)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	user.PasswordHash = hash
	user.ClearResetToken()
	user.UpdatedAt = s.now()
	if err := s.db.UpdateUser(ctx, user); err != nil {
		return nil, errors.Wrap(err, "store new password")
	}
	s.logger.Infow("Password reset", "user", user.ID)
	return user, nil
}

// SendConfirmation notifies user that their password changed.
func (s *Service) SendConfirmation(ctx context.Context, user *model.User) error {
	body, err := templates.Render(s.templates, templates.ResetConfirm, templates.ResetConfirmData{Email: user.Email})
	if err != nil {
		return errors.Wrap(err, "render confirmation mail")
	}
	if err := s.mailer.Send(ctx, user.Email, SubjectConfirm, body); err != nil {
		return errors.Wrapf(ErrTransport, "send confirmation mail: %v", err)
	}
	return nil
}
