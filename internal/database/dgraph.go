package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	dgo "github.com/dgraph-io/dgo/v200"
	"github.com/dgraph-io/dgo/v200/protos/api"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DgraphDatabase holds connection to a Dgraph DB instance.
type DgraphDatabase struct {
	// The underlying gRPC connection.
	conn *grpc.ClientConn

	// The Dgraph client, wrapping conn.
	DB *dgo.Dgraph
}

var _ Database = (*DgraphDatabase)(nil)

const dgraphSchema = `
	user_id: string @index(exact) @upsert .
	email: string @index(exact) @upsert .
	password_hash: string .
	provider: string .
	oauth_key: string @index(exact) @upsert .
	oauth_id: string .
	reset_token: string @index(exact) .
	reset_token_expiry: datetime .
	created_at: datetime .
	updated_at: datetime .

	profile_user_id: string @index(exact) @upsert .
	first_name: string .
	last_name: string .
	phone: string .
	college: string .
	department: string .
	year: int .
	cgpa: string .
	has_cv: bool .

	type User {
		user_id
		email
		password_hash
		provider
		oauth_key
		oauth_id
		reset_token
		reset_token_expiry
		created_at
		updated_at
	}

	type Profile {
		profile_user_id
		first_name
		last_name
		phone
		college
		department
		year
		cgpa
		has_cv
	}
`

const userPredicates = `
	uid
	user_id
	email
	password_hash
	provider
	oauth_id
	reset_token
	reset_token_expiry
	created_at
	updated_at
`

const profilePredicates = `
	uid
	profile_user_id
	first_name
	last_name
	phone
	college
	department
	year
	cgpa
	has_cv
`

// dgraphUser is the node representation of model.User.
type dgraphUser struct {
	UID              string     `json:"uid,omitempty"`
	Type             []string   `json:"dgraph.type,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	Email            string     `json:"email,omitempty"`
	PasswordHash     string     `json:"password_hash,omitempty"`
	Provider         string     `json:"provider,omitempty"`
	OAuthKey         string     `json:"oauth_key,omitempty"`
	OAuthID          string     `json:"oauth_id,omitempty"`
	ResetToken       string     `json:"reset_token,omitempty"`
	ResetTokenExpiry *time.Time `json:"reset_token_expiry,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func oauthKey(provider model.Provider, oauthID string) string {
	return fmt.Sprintf("%s|%s", provider, oauthID)
}

func toDgraphUser(user *model.User) *dgraphUser {
	du := &dgraphUser{
		Type:             []string{"User"},
		UserID:           user.ID,
		Email:            user.Email,
		PasswordHash:     user.PasswordHash,
		Provider:         string(user.Provider),
		OAuthID:          user.OAuthID,
		ResetToken:       user.ResetToken,
		ResetTokenExpiry: user.ResetTokenExpiry,
		CreatedAt:        user.CreatedAt,
		UpdatedAt:        user.UpdatedAt,
	}
	if user.HasOAuth() {
		du.OAuthKey = oauthKey(user.Provider, user.OAuthID)
	}
	return du
}

func (du *dgraphUser) toModel() *model.User {
	return &model.User{
		ID:               du.UserID,
		Email:            du.Email,
		PasswordHash:     du.PasswordHash,
		Provider:         model.Provider(du.Provider),
		OAuthID:          du.OAuthID,
		ResetToken:       du.ResetToken,
		ResetTokenExpiry: du.ResetTokenExpiry,
		CreatedAt:        du.CreatedAt,
		UpdatedAt:        du.UpdatedAt,
	}
}

// dgraphProfile is the node representation of model.Profile.
type dgraphProfile struct {
	UID        string   `json:"uid,omitempty"`
	Type       []string `json:"dgraph.type,omitempty"`
	UserID     string   `json:"profile_user_id"`
	FirstName  string   `json:"first_name,omitempty"`
	LastName   string   `json:"last_name,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	College    string   `json:"college,omitempty"`
	Department string   `json:"department,omitempty"`
	Year       int      `json:"year,omitempty"`
	CGPA       string   `json:"cgpa,omitempty"`
	HasCV      bool     `json:"has_cv"`
}

// NewDgraphDatabase creates a new Dgraph database connection and applies
// the schema.
func NewDgraphDatabase(ctx context.Context, addr string) (*DgraphDatabase, error) {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrap(err, "dial dgraph")
	}

	db := &DgraphDatabase{
		conn: conn,
		DB:   dgo.NewDgraphClient(api.NewDgraphClient(conn)),
	}
	if err := db.Seed(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Seed initializes the database schema.
func (db *DgraphDatabase) Seed(ctx context.Context) error {
	op := &api.Operation{Schema: dgraphSchema}
	return errors.Wrap(db.DB.Alter(ctx, op), "apply dgraph schema")
}

// DropAll removes all data and schema. Used by tests.
func (db *DgraphDatabase) DropAll(ctx context.Context) error {
	if err := db.DB.Alter(ctx, &api.Operation{DropAll: true}); err != nil {
		return err
	}
	return db.Seed(ctx)
}

// Close handles closing all connections to the database.
func (db *DgraphDatabase) Close() error {
	return db.conn.Close()
}

func queryOne(ctx context.Context, txn *dgo.Txn, q string, vars map[string]string, v interface{}) error {
	resp, err := txn.QueryWithVars(ctx, q, vars)
	if err != nil {
		return err
	}
	return json.Unmarshal(resp.Json, v)
}

func (db *DgraphDatabase) findUser(ctx context.Context, txn *dgo.Txn, predicate, value string) (*dgraphUser, error) {
	q := fmt.Sprintf(`query User($value: string) {
		users(func: eq(%s, $value)) @filter(type(User)) {
			%s
		}
	}`, predicate, userPredicates)

	var response struct {
		Users []*dgraphUser `json:"users"`
	}
	if err := queryOne(ctx, txn, q, map[string]string{"$value": value}, &response); err != nil {
		return nil, err
	}
	if len(response.Users) == 0 {
		return nil, ErrNotFound
	}
	return response.Users[0], nil
}

func (db *DgraphDatabase) getUser(ctx context.Context, predicate, value, op string) (*model.User, error) {
	txn := db.DB.NewReadOnlyTxn()
	du, err := db.findUser(ctx, txn, predicate, value)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return du.toModel(), nil
}

// RegisterUser creates a new identity record. Email and provider identity
// uniqueness is enforced by the upsert condition.
func (db *DgraphDatabase) RegisterUser(ctx context.Context, user *model.User) error {
	if err := user.Valid(); err != nil {
		return errors.Wrap(err, "invalid user")
	}

	du := toDgraphUser(user)
	du.UID = "_:user"
	b, err := json.Marshal(du)
	if err != nil {
		return err
	}

	query := `query Existing($id: string, $email: string) {
		i as var(func: eq(user_id, $id))
		e as var(func: eq(email, $email))
	}`
	cond := "@if(eq(len(i), 0) AND eq(len(e), 0))"
	vars := map[string]string{"$id": user.ID, "$email": user.Email}
	if user.HasOAuth() {
		query = `query Existing($id: string, $email: string, $oauth: string) {
			i as var(func: eq(user_id, $id))
			e as var(func: eq(email, $email))
			o as var(func: eq(oauth_key, $oauth))
		}`
		cond = "@if(eq(len(i), 0) AND eq(len(e), 0) AND eq(len(o), 0))"
		vars["$oauth"] = du.OAuthKey
	}

	req := &api.Request{
		Query: query,
		Vars:  vars,
		Mutations: []*api.Mutation{
			{Cond: cond, SetJson: b},
		},
		CommitNow: true,
	}
	resp, err := db.DB.NewTxn().Do(ctx, req)
	if err != nil {
		return errors.Wrap(err, "register user")
	}
	if _, ok := resp.Uids["user"]; !ok {
		return errors.Wrap(ErrDuplicate, "register user")
	}
	return nil
}

// UpdateUser replaces the stored record with the same ID in a single
// transaction. Emptied fields are deleted from the node.
func (db *DgraphDatabase) UpdateUser(ctx context.Context, user *model.User) error {
	if err := user.Valid(); err != nil {
		return errors.Wrap(err, "invalid user")
	}

	txn := db.DB.NewTxn()
	defer txn.Discard(ctx)

	old, err := db.findUser(ctx, txn, "user_id", user.ID)
	if err != nil {
		return errors.Wrap(err, "update user")
	}
	if old.Email != user.Email {
		other, err := db.findUser(ctx, txn, "email", user.Email)
		if err == nil && other.UserID != user.ID {
			return errors.Wrap(ErrDuplicate, "update user")
		} else if err != nil && err != ErrNotFound {
			return errors.Wrap(err, "update user")
		}
	}

	du := toDgraphUser(user)
	if du.OAuthKey != "" && du.OAuthKey != old.OAuthKey {
		other, err := db.findUser(ctx, txn, "oauth_key", du.OAuthKey)
		if err == nil && other.UserID != user.ID {
			return errors.Wrap(ErrDuplicate, "update user")
		} else if err != nil && err != ErrNotFound {
			return errors.Wrap(err, "update user")
		}
	}
	du.UID = old.UID
	set, err := json.Marshal(du)
	if err != nil {
		return err
	}

	del := map[string]interface{}{"uid": old.UID}
	if user.PasswordHash == "" {
		del["password_hash"] = nil
	}
	if !user.HasOAuth() {
		del["oauth_key"] = nil
		del["oauth_id"] = nil
		del["provider"] = nil
	}
	if user.ResetToken == "" {
		del["reset_token"] = nil
		del["reset_token_expiry"] = nil
	}

	mu := &api.Mutation{SetJson: set}
	if len(del) > 1 {
		if mu.DeleteJson, err = json.Marshal(del); err != nil {
			return err
		}
	}
	if _, err := txn.Mutate(ctx, mu); err != nil {
		return errors.Wrap(err, "update user")
	}
	return errors.Wrap(txn.Commit(ctx), "update user")
}

// GetUserByID retrieves user's info based off an ID.
func (db *DgraphDatabase) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return db.getUser(ctx, "user_id", id, "get user by id")
}

// GetUserByEmail retrieves user's info based off an email.
func (db *DgraphDatabase) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.getUser(ctx, "email", email, "get user by email")
}

// GetUserByOAuthID retrieves the user linked to a provider identity.
func (db *DgraphDatabase) GetUserByOAuthID(ctx context.Context, provider model.Provider, oauthID string) (*model.User, error) {
	return db.getUser(ctx, "oauth_key", oauthKey(provider, oauthID), "get user by oauth id")
}

// GetUserByResetToken retrieves the user holding an unexpired reset token.
func (db *DgraphDatabase) GetUserByResetToken(ctx context.Context, token string, now time.Time) (*model.User, error) {
	if token == "" {
		return nil, errors.Wrap(ErrNotFound, "get user by reset token")
	}
	user, err := db.getUser(ctx, "reset_token", token, "get user by reset token")
	if err != nil {
		return nil, err
	}
	if !user.ResetTokenValid(token, now) {
		return nil, errors.Wrap(ErrNotFound, "get user by reset token")
	}
	return user, nil
}

// GetProfile retrieves the profile owned by userID.
func (db *DgraphDatabase) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	q := fmt.Sprintf(`query Profile($id: string) {
		profiles(func: eq(profile_user_id, $id)) @filter(type(Profile)) {
			%s
		}
	}`, profilePredicates)

	var response struct {
		Profiles []*dgraphProfile `json:"profiles"`
	}
	err := queryOne(ctx, db.DB.NewReadOnlyTxn(), q, map[string]string{"$id": userID}, &response)
	if err != nil {
		return nil, errors.Wrap(err, "get profile")
	}
	if len(response.Profiles) == 0 {
		return nil, errors.Wrap(ErrNotFound, "get profile")
	}
	dp := response.Profiles[0]
	return &model.Profile{
		UserID:     dp.UserID,
		FirstName:  dp.FirstName,
		LastName:   dp.LastName,
		Phone:      dp.Phone,
		College:    dp.College,
		Department: dp.Department,
		Year:       dp.Year,
		CGPA:       dp.CGPA,
		HasCV:      dp.HasCV,
	}, nil
}

// SaveProfile creates or replaces a profile, keyed by its user ID.
func (db *DgraphDatabase) SaveProfile(ctx context.Context, profile *model.Profile) error {
	if profile.UserID == "" {
		return errors.New("profile missing user ID")
	}
	dp := &dgraphProfile{
		UID:        "uid(p)",
		Type:       []string{"Profile"},
		UserID:     profile.UserID,
		FirstName:  profile.FirstName,
		LastName:   profile.LastName,
		Phone:      profile.Phone,
		College:    profile.College,
		Department: profile.Department,
		Year:       profile.Year,
		CGPA:       profile.CGPA,
		HasCV:      profile.HasCV,
	}
	b, err := json.Marshal(dp)
	if err != nil {
		return err
	}
	req := &api.Request{
		Query: `query Profile($id: string) {
			p as var(func: eq(profile_user_id, $id))
		}`,
		Vars:      map[string]string{"$id": profile.UserID},
		Mutations: []*api.Mutation{{SetJson: b}},
		CommitNow: true,
	}
	_, err = db.DB.NewTxn().Do(ctx, req)
	return errors.Wrap(err, "save profile")
}
