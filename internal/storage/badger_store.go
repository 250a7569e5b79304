package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/Stars1233/memori/internal/models"
	badger "github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("not found")
)

// TokenTTL bounds how long a replayable request outcome is remembered.
const TokenTTL = 24 * time.Hour

// Store interface (kept minimal, allows swapping implementations).
type Store interface {
	SaveCluster(ctx context.Context, c *models.Cluster) error
	GetCluster(ctx context.Context, name string) (*models.Cluster, error)
	ListClusters(ctx context.Context) ([]*models.Cluster, error)
	DeleteCluster(ctx context.Context, name string) error

	SaveAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByAPIKey(ctx context.Context, key string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)

	SaveToken(ctx context.Context, rec *models.IdempotencyRecord) error
	GetToken(ctx context.Context, token string) (*models.IdempotencyRecord, error)

	Close() error
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // badger logs are noise for a CLI
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	return open(opts)
}

// NewInMemoryStore returns a Store that never touches disk.
func NewInMemoryStore() (Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

const (
	clusterPrefix = "cluster:"
	accountPrefix = "account:"
	apiKeyPrefix  = "apikey:"
	emailPrefix   = "email:"
	tokenPrefix   = "token:"
)

func clusterKey(name string) []byte { return []byte(clusterPrefix + name) }
func accountKey(id string) []byte { return []byte(accountPrefix + id) }
func apiKeyKey(key string) []byte { return []byte(apiKeyPrefix + key) }
func emailKey(email string) []byte { return []byte(emailPrefix + strings.ToLower(email)) }
func tokenKey(token string) []byte { return []byte(tokenPrefix + token) }

func (s *BadgerStore) SaveCluster(ctx context.Context, c *models.Cluster) error {
	return s.put(clusterKey(c.Name), c)
}

func (s *BadgerStore) GetCluster(ctx context.Context, name string) (*models.Cluster, error) {
	var out models.Cluster
	if err := s.get(clusterKey(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListClusters(ctx context.Context) ([]*models.Cluster, error) {
	var out []*models.Cluster
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(clusterPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var c models.Cluster
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &c)
			}); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) DeleteCluster(ctx context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(clusterKey(name))
	})
}

// SaveAccount stores the account together with its api key and email
// indexes in one transaction.
func (s *BadgerStore) SaveAccount(ctx context.Context, a *models.Account) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := txn.Set(accountKey(a.ID), data); err != nil {
			return err
		}
		if err := txn.Set(apiKeyKey(a.APIKey), []byte(a.ID)); err != nil {
			return err
		}
		return txn.Set(emailKey(a.Email), []byte(a.ID))
	})
}

func (s *BadgerStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var out models.Account
	if err := s.get(accountKey(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) GetAccountByAPIKey(ctx context.Context, key string) (*models.Account, error) {
	return s.accountByIndex(ctx, apiKeyKey(key))
}

func (s *BadgerStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.accountByIndex(ctx, emailKey(email))
}

func (s *BadgerStore) accountByIndex(ctx context.Context, key []byte) (*models.Account, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		id = string(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, id)
}

// SaveToken remembers a request outcome for TokenTTL.
func (s *BadgerStore) SaveToken(ctx context.Context, rec *models.IdempotencyRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(tokenKey(rec.Token), data).WithTTL(TokenTTL))
	})
}

func (s *BadgerStore) GetToken(ctx context.Context, token string) (*models.IdempotencyRecord, error) {
	var out models.IdempotencyRecord
	if err := s.get(tokenKey(token), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) put(key []byte, v any) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) get(key []byte, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
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
	})
}
