package validation

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidIP(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"203.0.113.7", true},
		{"2001:db8::1", true},
		{"::ffff:192.0.2.1", true},
		{"256.1.1.1", false},
		{"10.0.0", false},
		{"example.com", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidIP(tc.in), "IsValidIP(%q)", tc.in)
	}
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "2001:db8::1", NormalizeIP(" 2001:DB8:0:0:0:0:0:1 "))
	assert.Equal(t, "192.0.2.1", NormalizeIP("::ffff:192.0.2.1"))
	assert.Equal(t, "not-an-ip", NormalizeIP("not-an-ip"))
}

func TestIsValidBIN(t *testing.T) {
	assert.True(t, IsValidBIN("411111"))
	assert.False(t, IsValidBIN("41111"))
	assert.False(t, IsValidBIN("4111111"))
	assert.False(t, IsValidBIN("41111a"))
}

func TestIsValidDomain(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"example.com", true},
		{"mail.example.co.uk", true},
		{"Mailinator.COM", true},
		{"xn--bcher-kva.example", true},
		{"localhost", false},
		{"-bad.com", false},
		{"bad-.com", false},
		{"a..com", false},
		{"under_score.com", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidDomain(tc.in), "IsValidDomain(%q)", tc.in)
	}
}

func TestNormalizeDomainAndEmailDomain(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeDomain(" @Example.COM. "))
	assert.Equal(t, "mailinator.com", EmailDomain("Bob@Mailinator.com"))
	assert.Equal(t, "", EmailDomain("no-at-sign"))
	assert.Equal(t, "", EmailDomain("trailing@"))
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, SanitizeString(tc.input, tc.maxLen))
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	errs := Validate(
		Required("subjectId", ""),
		OneOf("subjectType", "phone", "uid", "ip", "device"),
		ValidIP("ip", "300.1.1.1"),
		ValidCountry("country", "us"),
		MaxLength("notes", "abcdef", 3),
		Required("kind", "order"),
	)
	require.Len(t, errs, 5)
	assert.Equal(t, "subjectId", errs[0].Field)
	assert.Equal(t, "subjectId: is required", errs.Error())
}

func TestValidate_OptionalFieldsSkipEmpty(t *testing.T) {
	errs := Validate(
		OneOf("subjectType", "", "uid"),
		ValidIP("ip", ""),
		ValidCountry("country", ""),
	)
	assert.Empty(t, errs)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", bytes.NewBufferString(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
