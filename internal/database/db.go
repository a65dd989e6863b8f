package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Queryable is the union of the sqlx methods our stores rely on. Both
// *sqlx.DB and *sqlx.Tx satisfy it, which lets store methods run
// standalone or inside a wrapped transaction without caring which.
type Queryable interface {
	Exec(query string, args ...any) (sql.Result, error)
	NamedExec(query string, arg any) (sql.Result, error)
	Get(dest any, query string, args ...any) error
	Select(dest any, query string, args ...any) error
	QueryRowx(query string, args ...any) *sqlx.Row
	Rebind(query string) string
}

// JsonColumn wraps a value of any type such that it can be scanned
// from (and stored to) a JSONB column.
type JsonColumn[T any] struct {
	val *T
}

func NewJsonColumn[T any](val *T) JsonColumn[T] {
	return JsonColumn[T]{val: val}
}

func (j *JsonColumn[T]) Get() *T { return j.val }

func (j *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		j.val = nil
		return nil
	}

	srcBytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T in to JsonColumn", src)
	}

	v := new(T)
	if err := json.Unmarshal(srcBytes, v); err != nil {
		return err
	}

	j.val = v
	return nil
}

func (j JsonColumn[T]) Value() (driver.Value, error) {
	if j.val == nil {
		return nil, nil
	}

	return json.Marshal(*j.val)
}
