// Package request holds small helpers shared by HTTP handlers.
package request

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// ID parses a numeric path parameter, writing a 400 response on failure.
func ID(c *gin.Context, name string) (uint, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return uint(id), true
}
