package validation

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Required("productId", " "),
		PositiveAmount("price", 0),
		OneOf("reason", "lost", "damaged", "other"),
		MaxLength("message", "ok", 10),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "productId: is required", errs.Error())
	assert.Equal(t, "reason", errs[2].Field)
}

func TestValidate_Passes(t *testing.T) {
	errs := Validate(
		Required("productId", "prod_1"),
		PositiveAmount("price", 1),
		OneOf("reason", "", "damaged"),
	)
	assert.Empty(t, errs)
	assert.Equal(t, "validation failed", errs.Error())
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hel\x00lo ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", bytes.NewBufferString("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAbort(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	Abort(c, ValidationErrors{{Field: "price", Message: "must be greater than zero"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}
