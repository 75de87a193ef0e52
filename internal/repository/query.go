package repository

import (
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicatePair   = errors.New("conversation already exists for this pair")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrUnknownOperator = errors.New("unknown operator")
)

type Operator string

const (
	OpEq     Operator = "="
	OpNeq    Operator = "<>"
	OpLt     Operator = "<"
	OpLte    Operator = "<="
	OpGt     Operator = ">"
	OpGte    Operator = ">="
	OpIn     Operator = "IN"
	OpIsNull Operator = "IS NULL"
)

// Condition is one column predicate of a Query.
type Condition struct {
	Column   string
	Operator Operator
	Value    interface{}
}

type OrderBy struct {
	Column    string
	Ascending bool
}

// Query is a condition-based select. Conditions are ANDed unless Or is set.
type Query struct {
	Conditions []Condition
	Or         bool
	OrderBy    *OrderBy
	Limit      int
}

func Eq(column string, value interface{}) Condition {
	return Condition{Column: column, Operator: OpEq, Value: value}
}

func Neq(column string, value interface{}) Condition {
	return Condition{Column: column, Operator: OpNeq, Value: value}
}

// columnSet lists the columns a table accepts in conditions and ordering.
// Column names are interpolated into SQL, so anything else is rejected.
type columnSet map[string]struct{}

func newColumnSet(columns ...string) columnSet {
	set := make(columnSet, len(columns))
	for _, c := range columns {
		set[c] = struct{}{}
	}
	return set
}

func (s columnSet) has(column string) bool {
	_, ok := s[column]
	return ok
}

func (q Query) apply(tx *gorm.DB, columns columnSet) (*gorm.DB, error) {
	if len(q.Conditions) > 0 {
		group := tx.Session(&gorm.Session{NewDB: true})
		for i, c := range q.Conditions {
			expr, args, err := c.sql(columns)
			if err != nil {
				return nil, err
			}
			if i > 0 && q.Or {
				group = group.Or(expr, args...)
			} else {
				group = group.Where(expr, args...)
			}
		}
		tx = tx.Where(group)
	}

	if q.OrderBy != nil {
		if !columns.has(q.OrderBy.Column) {
			return nil, errors.Wrap(ErrUnknownColumn, q.OrderBy.Column)
		}
		dir := "DESC"
		if q.OrderBy.Ascending {
			dir = "ASC"
		}
		tx = tx.Order(q.OrderBy.Column + " " + dir)
	}

	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx, nil
}

func (c Condition) sql(columns columnSet) (string, []interface{}, error) {
	if !columns.has(c.Column) {
		return "", nil, errors.Wrap(ErrUnknownColumn, c.Column)
	}

	switch c.Operator {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
		return fmt.Sprintf("%s %s ?", c.Column, c.Operator), []interface{}{c.Value}, nil
	case OpIn:
		return fmt.Sprintf("%s IN ?", c.Column), []interface{}{c.Value}, nil
	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", c.Column), nil, nil
	default:
		return "", nil, errors.Wrap(ErrUnknownOperator, string(c.Operator))
	}
}
