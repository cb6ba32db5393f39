package session

import (
	badger "github.com/dgraph-io/badger/v3"
	redisStore "github.com/go-session/redis/v3"
	gosession "github.com/go-session/session/v3"
	"github.com/globalyzing/globalyzing/internal/config"
	"github.com/pkg/errors"
)

// NewStore creates the session backend named by cfg.Store. db is only used
// by the badger store.
func NewStore(cfg *config.SessionConfig, db *badger.DB) (gosession.ManagerStore, error) {
	switch cfg.Store {
	case config.SessionStoreBadger:
		if db == nil {
			return nil, errors.New("badger session store requires a badger database")
		}
		return NewBadgerStore(db), nil
	case config.SessionStoreMemory:
		return gosession.NewMemoryStore(), nil
	case config.SessionStoreRedis:
		return redisStore.NewRedisStore(&redisStore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), nil
	default:
		return nil, errors.Errorf("unknown session store %q", cfg.Store)
	}
}
