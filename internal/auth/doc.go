// Package auth guards the REST API with static bearer tokens. Each token
// carries scopes: runs:read for queries and exports, runs:write for
// submitting and cancelling runs. With no tokens configured the middleware
// is a pass-through.
package auth
