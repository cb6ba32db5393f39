package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BadgerDB holds a connection to a Badger backend.
type BadgerDB struct {
	InMemory bool
	DB       *badger.DB
}

var _ Database = (*BadgerDB)(nil)

const (
	prefixUser    = "user"
	prefixEmail   = "email"
	prefixOAuth   = "oauth"
	prefixReset   = "reset"
	prefixProfile = "profile"
)

func makeUserKey(id string) []byte {
	return makeKey(prefixUser, id)
}

func makeEmailKey(email string) []byte {
	return makeKey(prefixEmail, email)
}

func makeOAuthKey(provider model.Provider, oauthID string) []byte {
	return makeKey(prefixOAuth, fmt.Sprintf("%s_%s", provider, oauthID))
}

func makeResetKey(token string) []byte {
	return makeKey(prefixReset, token)
}

func makeProfileKey(userID string) []byte {
	return makeKey(prefixProfile, userID)
}

func makeKey(prefix, id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", prefix, id))
}

// BadgerOptions configures NewBadgerDB.
type BadgerOptions struct {
	// Dir is the path to store data in. Ignored when InMemory is set.
	Dir string

	// InMemory creates a database without persistence (useful in tests, for example).
	InMemory bool

	Logger *zap.SugaredLogger
}

// NewBadgerDB creates a new database with a Badger backend.
func NewBadgerDB(opts BadgerOptions) (*BadgerDB, error) {
	path := opts.Dir
	if opts.InMemory {
		path = ""
	}
	bo := badger.DefaultOptions(path).WithInMemory(opts.InMemory)
	if opts.Logger != nil {
		bo = bo.WithLogger(badgerLogger{opts.Logger})
	} else {
		bo = bo.WithLogger(nil)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}

	return &BadgerDB{DB: db, InMemory: opts.InMemory}, nil
}

// Close handles closing all connections to the database.
func (db *BadgerDB) Close() error {
	return db.DB.Close()
}

// badgerLogger adapts a zap logger to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(b []byte) error {
		return json.Unmarshal(b, v)
	})
}

func getIndex(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return "", ErrNotFound
		}
		return "", err
	}
	b, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// claimIndex points key at id, failing if it already points elsewhere.
func claimIndex(txn *badger.Txn, key []byte, id string) error {
	owner, err := getIndex(txn, key)
	switch {
	case err == nil && owner != id:
		return ErrDuplicate
	case err == nil:
		return nil
	case err != ErrNotFound:
		return err
	}
	return txn.Set(key, []byte(id))
}

func setResetIndex(txn *badger.Txn, user *model.User) error {
	entry := badger.NewEntry(makeResetKey(user.ResetToken), []byte(user.ID))
	entry.ExpiresAt = uint64(user.ResetTokenExpiry.Unix())
	return txn.SetEntry(entry)
}

func putUser(txn *badger.Txn, user *model.User) error {
	b, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return txn.Set(makeUserKey(user.ID), b)
}

// RegisterUser creates a new identity record along with its email,
// provider and reset-token indexes.
func (db *BadgerDB) RegisterUser(ctx context.Context, user *model.User) error {
	if err := user.Valid(); err != nil {
		return errors.Wrap(err, "invalid user")
	}
	err := db.DB.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(makeUserKey(user.ID)); err == nil {
			return ErrDuplicate
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := claimIndex(txn, makeEmailKey(user.Email), user.ID); err != nil {
			return err
		}
		if user.HasOAuth() {
			if err := claimIndex(txn, makeOAuthKey(user.Provider, user.OAuthID), user.ID); err != nil {
				return err
			}
		}
		if user.ResetToken != "" {
			if err := setResetIndex(txn, user); err != nil {
				return err
			}
		}
		return putUser(txn, user)
	})
	return errors.Wrap(err, "register user")
}

// UpdateUser replaces the stored record with the same ID. Index entries
// for changed emails, provider links and reset tokens are moved in the same
// transaction, so a password change and the clearing of a reset token are
// committed together.
func (db *BadgerDB) UpdateUser(ctx context.Context, user *model.User) error {
	if err := user.Valid(); err != nil {
		return errors.Wrap(err, "invalid user")
	}
	err := db.DB.Update(func(txn *badger.Txn) error {
		var old model.User
		if err := getJSON(txn, makeUserKey(user.ID), &old); err != nil {
			return err
		}

		if old.Email != user.Email {
			if err := claimIndex(txn, makeEmailKey(user.Email), user.ID); err != nil {
				return err
			}
			if err := txn.Delete(makeEmailKey(old.Email)); err != nil {
				return err
			}
		}

		if old.Provider != user.Provider || old.OAuthID != user.OAuthID {
			if user.HasOAuth() {
				if err := claimIndex(txn, makeOAuthKey(user.Provider, user.OAuthID), user.ID); err != nil {
					return err
				}
			}
			if old.HasOAuth() {
				if err := txn.Delete(makeOAuthKey(old.Provider, old.OAuthID)); err != nil {
					return err
				}
			}
		}

		if old.ResetToken != "" && old.ResetToken != user.ResetToken {
			if err := txn.Delete(makeResetKey(old.ResetToken)); err != nil {
				return err
			}
		}
		if user.ResetToken != "" {
			if err := setResetIndex(txn, user); err != nil {
				return err
			}
		}

		return putUser(txn, user)
	})
	return errors.Wrap(err, "update user")
}

// GetUserByID retrieves user's info based off an ID.
func (db *BadgerDB) GetUserByID(ctx context.Context, id string) (user *model.User, err error) {
	err = db.DB.View(func(txn *badger.Txn) error {
		var u model.User
		if err := getJSON(txn, makeUserKey(id), &u); err != nil {
			return err
		}
		user = &u
		return nil
	})
	return user, errors.Wrap(err, "get user by id")
}

func (db *BadgerDB) getUserByIndex(key []byte) (user *model.User, err error) {
	err = db.DB.View(func(txn *badger.Txn) error {
		id, err := getIndex(txn, key)
		if err != nil {
			return err
		}
		var u model.User
		if err := getJSON(txn, makeUserKey(id), &u); err != nil {
			return err
		}
		user = &u
		return nil
	})
	return
}

// GetUserByEmail retrieves user's info based off an email.
func (db *BadgerDB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := db.getUserByIndex(makeEmailKey(email))
	return user, errors.Wrap(err, "get user by email")
}

// GetUserByOAuthID retrieves the user linked to a provider identity.
func (db *BadgerDB) GetUserByOAuthID(ctx context.Context, provider model.Provider, oauthID string) (*model.User, error) {
	user, err := db.getUserByIndex(makeOAuthKey(provider, oauthID))
	return user, errors.Wrap(err, "get user by oauth id")
}

// GetUserByResetToken retrieves the user holding an unexpired reset token.
func (db *BadgerDB) GetUserByResetToken(ctx context.Context, token string, now time.Time) (*model.User, error) {
	if token == "" {
		return nil, errors.Wrap(ErrNotFound, "get user by reset token")
	}
	user, err := db.getUserByIndex(makeResetKey(token))
	if err != nil {
		return nil, errors.Wrap(err, "get user by reset token")
	}
	if !user.ResetTokenValid(token, now) {
		return nil, errors.Wrap(ErrNotFound, "get user by reset token")
	}
	return user, nil
}

// GetProfile retrieves the profile owned by userID.
func (db *BadgerDB) GetProfile(ctx context.Context, userID string) (profile *model.Profile, err error) {
	err = db.DB.View(func(txn *badger.Txn) error {
		var p model.Profile
		if err := getJSON(txn, makeProfileKey(userID), &p); err != nil {
			return err
		}
		profile = &p
		return nil
	})
	return profile, errors.Wrap(err, "get profile")
}

// SaveProfile creates or replaces a profile.
func (db *BadgerDB) SaveProfile(ctx context.Context, profile *model.Profile) error {
	if profile.UserID == "" {
		return errors.New("profile missing user ID")
	}
	err := db.DB.Update(func(txn *badger.Txn) error {
		b, err := json.Marshal(profile)
		if err != nil {
			return err
		}
		return txn.Set(makeProfileKey(profile.UserID), b)
	})
	return errors.Wrap(err, "save profile")
}
