package server

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/db/engines/pebbledb"
	"github.com/ValentinKolb/dSync/lib/db/engines/sqlitedb"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// dbFactory returns the factory of the configured engine. Durable engines
// keep their files below DataDir/name.
func dbFactory(cfg common.ServerConfig, name string) (store.DBFactory, error) {
	dir := filepath.Join(cfg.DataDir, name)
	switch cfg.Engine {
	case common.EngineMemory:
		return func() (db.KVDB, error) { return memdb.NewMemDB(nil), nil }, nil
	case common.EnginePebble:
		return func() (db.KVDB, error) { return pebbledb.Open(dir, nil) }, nil
	case common.EngineSQLite:
		return func() (db.KVDB, error) {
			return sqlitedb.Open(context.Background(), filepath.Join(dir, "dsync.db"))
		}, nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
}
