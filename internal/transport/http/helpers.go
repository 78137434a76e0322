package http

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// queryIntDefault reads an integer query parameter, falling back to def and
// clamping to max — the shape histeeria's handlers use for limit/offset
// pagination (see messaging/handlers.go's GetConversations).
func queryIntDefault(c *gin.Context, name string, def, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
