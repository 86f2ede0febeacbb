// Package repository contains the sqlx data access layer. Repositories
// own their SQL and translate driver errors into domain errors; services
// never see pq error codes.
package repository

import "github.com/lib/pq"

// uniqueViolation is the Postgres error code raised when a unique
// constraint rejects an insert.
const uniqueViolation = pq.ErrorCode("23505")

// foreignKeyViolation is raised when a referenced row does not exist.
const foreignKeyViolation = pq.ErrorCode("23503")
