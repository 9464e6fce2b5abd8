// Package dbctx bundles a request context with an optional GORM transaction
// so repository methods take one argument instead of threading both through
// every call.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Resolve returns the bundled transaction if set, falling back to db.
func (c Context) Resolve(db *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return db
}

func (c Context) Context() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}
