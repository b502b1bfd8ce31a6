package instagram

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyGraphCode(t *testing.T) {
	tests := []struct {
		code int
		want ErrorKind
	}{
		{190, ErrKindToken},
		{4, ErrKindRateLimited},
		{17, ErrKindRateLimited},
		{32, ErrKindRateLimited},
		{613, ErrKindRateLimited},
		{10, ErrKindPermission},
		{200, ErrKindPermission},
		{230, ErrKindPermission},
		{299, ErrKindPermission},
		{300, ErrKindOther},
		{1, ErrKindOther},
		{100, ErrKindOther},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("code_%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyGraphCode(tt.code))
		})
	}
}

func TestKindOf(t *testing.T) {
	apiErr := &APIError{Kind: ErrKindToken, Code: 190, Message: "expired"}

	assert.Equal(t, ErrKindToken, KindOf(apiErr))
	assert.Equal(t, ErrKindToken, KindOf(fmt.Errorf("fetch failed: %w", apiErr)))
	assert.Equal(t, ErrKindOther, KindOf(errors.New("dial tcp: timeout")))
	assert.Equal(t, ErrKindOther, KindOf(nil))
}

func TestParseAPIError(t *testing.T) {
	body := []byte(`{"error":{"message":"(#4) Application request limit reached","type":"OAuthException","code":4,"error_subcode":1349210}}`)

	err := parseAPIError(400, body)
	assert.Equal(t, ErrKindRateLimited, err.Kind)
	assert.Equal(t, 4, err.Code)
	assert.Equal(t, 1349210, err.Subcode)
	assert.Contains(t, err.Error(), "request limit")
}

func TestParseAPIErrorNonJSONBody(t *testing.T) {
	err := parseAPIError(429, []byte("Too Many Requests"))
	assert.Equal(t, ErrKindRateLimited, err.Kind)

	err = parseAPIError(502, []byte("<html>bad gateway</html>"))
	assert.Equal(t, ErrKindOther, err.Kind)
	assert.Equal(t, 502, err.StatusCode)
}
