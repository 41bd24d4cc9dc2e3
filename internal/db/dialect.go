package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dialect identifiers supported by the database layer.
const (
	// DialectPostgres is the PostgreSQL dialect name.
	DialectPostgres = "postgres"
	// DialectSQLite is the SQLite dialect name.
	DialectSQLite = "sqlite"
)

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// ClampedAddExpr returns a SQL expression that adds delta to column and
// floors the result at zero, for the current dialect.
func ClampedAddExpr(conn *gorm.DB, column string, delta int64) clause.Expr {
	if IsSQLite(conn) {
		return gorm.Expr(fmt.Sprintf("MAX(%s + ?, 0)", column), delta)
	}
	return gorm.Expr(fmt.Sprintf("GREATEST(%s + ?, 0)", column), delta)
}
