package response

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		write  func(c *gin.Context)
		status int
		body   string
	}{
		{"ok", func(c *gin.Context) { OK(c, gin.H{"n": 1}) }, http.StatusOK, `{"success":true,"data":{"n":1}}`},
		{"bad request", func(c *gin.Context) { BadRequest(c, "nope") }, http.StatusBadRequest, `{"success":false,"error":"nope"}`},
		{"unauthorized", func(c *gin.Context) { Unauthorized(c, "who") }, http.StatusUnauthorized, `{"success":false,"error":"who"}`},
		{"not found", func(c *gin.Context) { NotFound(c, "gone") }, http.StatusNotFound, `{"success":false,"error":"gone"}`},
		{"internal", func(c *gin.Context) { Internal(c, "oops") }, http.StatusInternalServerError, `{"success":false,"error":"oops"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			tc.write(c)
			assert.Equal(t, tc.status, w.Code)
			assert.JSONEq(t, tc.body, w.Body.String())
		})
	}
}
