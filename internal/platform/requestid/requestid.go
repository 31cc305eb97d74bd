package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

type ctxKey struct{}

// New returns a random request id.
func New() string {
	return uuid.NewString()
}

// Sanitize keeps a caller supplied id when it is short and printable.
func Sanitize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > 128 {
		return "", false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok
}
