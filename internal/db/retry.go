package db

import (
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetryableError reports whether err represents a transient connection
// failure (as opposed to a query/constraint error) worth retrying a pool
// open or a single statement for. Grounded on the teacher's Postgres
// error-code classification, generalised to pgconn's error shape since
// this package dials through pgx rather than lib/pq.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P03", // cannot_connect_now
			"53300", // too_many_connections
			"08000", // connection_exception
			"08003", // connection_does_not_exist
			"08006", // connection_failure
			"40001": // serialization_failure
			return true
		}
		return false
	}

	return false
}
