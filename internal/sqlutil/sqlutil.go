// Package sqlutil holds the SQL helpers shared by the outbox and
// idempotency stores: placeholder rebinding between dialects and driver
// error classification.
package sqlutil

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE both Postgres drivers report for
// duplicate keys.
const uniqueViolation = "23505"

// Rebind rewrites $1..$n placeholders into ? for drivers that use
// question-mark binding. Queries written for Postgres pass through
// unchanged when rebind is false.
func Rebind(query string, rebind bool) string {
	if !rebind {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(query[i])
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
// It understands pgx and lib/pq natively and falls back to message
// matching for other drivers (MySQL 1062 reports "Duplicate entry").
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique violation")
}
