package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries the request context and, when the caller opened one, the
// transaction every repo call inside it must run on. A nil Tx means the repo
// uses its own connection.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
