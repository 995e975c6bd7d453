package store

import "database/sql"

// sqlErrNoRows aliases sql.ErrNoRows so each repository file doesn't need
// its own database/sql import just for the not-found check.
var sqlErrNoRows = sql.ErrNoRows
