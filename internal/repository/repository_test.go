package repository

import "github.com/lib/pq"

func pqUniqueError() *pq.Error {
	return &pq.Error{Code: uniqueViolation}
}
