package lstore

import (
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/replog"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/coordinator"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

// Store is a single node document store.
type Store struct {
	*coordinator.Coordinator
	kv db.KVDB
}

// NewLocalStore opens the database created by factory and takes over its
// log. logRetention bounds the number of log entries kept (0 keeps all).
func NewLocalStore(factory store.DBFactory, cfg coordinator.Config, logRetention uint64) (*Store, error) {
	kv, err := factory()
	if err != nil {
		return nil, err
	}
	l, err := replog.Open(kv)
	if err != nil {
		kv.Close()
		return nil, err
	}
	loc, err := replog.NewLocal(l, logRetention)
	if err != nil {
		kv.Close()
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = "single"
	}
	hs := l.State()
	log.Infof("local store ready at position %d (epoch %d)", hs.Last, loc.Epoch())
	return &Store{
		Coordinator: coordinator.New(cfg, loc, kv),
		kv:          kv,
	}, nil
}

// Close stops the coordinator and closes the database.
func (s *Store) Close() error {
	if err := s.Coordinator.Close(); err != nil {
		log.Warningf("stopping coordinator: %v", err)
	}
	return s.kv.Close()
}
