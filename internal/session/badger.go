package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	gosession "github.com/go-session/session/v3"
)

var (
	_ gosession.ManagerStore = (*badgerManagerStore)(nil)
	_ gosession.Store        = (*badgerStore)(nil)
)

const prefixSession = "session_"

func makeSessionKey(sid string) []byte {
	return []byte(prefixSession + sid)
}

// NewBadgerStore keeps session values in db, each entry expiring with its
// session. The caller owns db.
func NewBadgerStore(db *badger.DB) gosession.ManagerStore {
	return &badgerManagerStore{db: db}
}

type badgerManagerStore struct {
	db *badger.DB
}

func getValues(txn *badger.Txn, sid string) (map[string]interface{}, error) {
	item, err := txn.Get(makeSessionKey(sid))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var values map[string]interface{}
	err = item.Value(func(b []byte) error {
		return json.Unmarshal(b, &values)
	})
	return values, err
}

func putValues(txn *badger.Txn, sid string, values map[string]interface{}, expired int64) error {
	b, err := json.Marshal(values)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(makeSessionKey(sid), b).WithTTL(time.Duration(expired) * time.Second)
	return txn.SetEntry(entry)
}

func (s *badgerManagerStore) Check(ctx context.Context, sid string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(makeSessionKey(sid))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (s *badgerManagerStore) Create(ctx context.Context, sid string, expired int64) (gosession.Store, error) {
	return newBadgerStore(ctx, s, sid, expired, nil), nil
}

// Update loads the session and extends its lifetime.
func (s *badgerManagerStore) Update(ctx context.Context, sid string, expired int64) (gosession.Store, error) {
	var values map[string]interface{}
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		values, err = getValues(txn, sid)
		if err != nil || values == nil {
			return err
		}
		return putValues(txn, sid, values, expired)
	})
	if err != nil {
		return nil, err
	}
	return newBadgerStore(ctx, s, sid, expired, values), nil
}

func (s *badgerManagerStore) Delete(ctx context.Context, sid string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(makeSessionKey(sid))
	})
}

// Refresh moves the values of oldsid to sid.
func (s *badgerManagerStore) Refresh(ctx context.Context, oldsid, sid string, expired int64) (gosession.Store, error) {
	var values map[string]interface{}
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		values, err = getValues(txn, oldsid)
		if err != nil {
			return err
		}
		if values == nil {
			values = make(map[string]interface{})
		}
		if err := txn.Delete(makeSessionKey(oldsid)); err != nil {
			return err
		}
		return putValues(txn, sid, values, expired)
	})
	if err != nil {
		return nil, err
	}
	return newBadgerStore(ctx, s, sid, expired, values), nil
}

func (s *badgerManagerStore) Close() error {
	return nil
}

func newBadgerStore(ctx context.Context, s *badgerManagerStore, sid string, expired int64, values map[string]interface{}) *badgerStore {
	if values == nil {
		values = make(map[string]interface{})
	}
	return &badgerStore{
		ctx:     ctx,
		db:      s.db,
		sid:     sid,
		expired: expired,
		values:  values,
	}
}

type badgerStore struct {
	sync.RWMutex
	ctx     context.Context
	db      *badger.DB
	sid     string
	expired int64
	values  map[string]interface{}
}

func (s *badgerStore) Context() context.Context {
	return s.ctx
}

func (s *badgerStore) SessionID() string {
	return s.sid
}

func (s *badgerStore) Set(key string, value interface{}) {
	s.Lock()
	s.values[key] = value
	s.Unlock()
}

func (s *badgerStore) Get(key string) (interface{}, bool) {
	s.RLock()
	val, ok := s.values[key]
	s.RUnlock()
	return val, ok
}

func (s *badgerStore) Delete(key string) interface{} {
	s.Lock()
	v := s.values[key]
	delete(s.values, key)
	s.Unlock()
	return v
}

func (s *badgerStore) Flush() error {
	s.Lock()
	s.values = make(map[string]interface{})
	s.Unlock()
	return s.Save()
}

func (s *badgerStore) Save() error {
	s.RLock()
	defer s.RUnlock()
	return s.db.Update(func(txn *badger.Txn) error {
		return putValues(txn, s.sid, s.values, s.expired)
	})
}
