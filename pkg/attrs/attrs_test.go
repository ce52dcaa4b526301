package attrs

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractString(t *testing.T) {
	list := []any{
		"key", "ip:1.2.3.4",
		"limit", 10,
		slog.String("reason", "empty_user_agent"),
		"policy", "auth",
	}

	assert.Equal(t, "ip:1.2.3.4", ExtractString(list, "key"))
	assert.Equal(t, "empty_user_agent", ExtractString(list, "reason"))
	assert.Equal(t, "auth", ExtractString(list, "policy"))
	assert.Empty(t, ExtractString(list, "limit"), "non-string value")
	assert.Empty(t, ExtractString(list, "missing"))
	assert.Empty(t, ExtractString([]any{"dangling"}, "dangling"))
}
