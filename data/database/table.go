package database

import (
	"PPRealtime/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
)

// ErrUnavailable is returned while there is no connected database to resolve.
var ErrUnavailable = errs.NewCodeError(errs.CodeCollaborator, "database unavailable")

// DBFunc returns the current database handle, ok=false while disconnected.
type DBFunc func() (*mongo.Database, bool)

// Static pins a handle that never changes (tests, one-shot tools).
func Static(db *mongo.Database) DBFunc {
	return func() (*mongo.Database, bool) { return db, db != nil }
}

// Table names a collection and resolves its handle on every call, so a
// reconnect is picked up without rebuilding the caller.
type Table interface {
	GetTableName() string
	Collection() (*mongo.Collection, error)
}

type table struct {
	name string
	db   DBFunc
}

func (t table) GetTableName() string { return t.name }

func (t table) Collection() (*mongo.Collection, error) {
	db, ok := t.db()
	if !ok || db == nil {
		return nil, ErrUnavailable.WrapMsg("", "table", t.name)
	}
	return db.Collection(t.name), nil
}

// NewTable binds name to whatever database db resolves to.
func NewTable(db DBFunc, name string) Table {
	return table{name: name, db: db}
}
