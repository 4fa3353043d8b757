package store

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockForUpdate applies a row lock on dialects that support one. sqlite has
// no concurrent-writer model to guard against (the driver serializes writes
// itself), and its gorm dialector doesn't special-case clause.Locking, so
// asking it to would produce an invalid "FOR UPDATE" statement; skip the
// clause there instead.
func LockForUpdate(tx *gorm.DB, opts string) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: opts})
}
