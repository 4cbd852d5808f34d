package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{400, KindClient, false},
		{401, KindAuth, false},
		{404, KindClient, false},
		{408, KindClient, true},
		{429, KindClient, true},
		{500, KindServer, true},
		{503, KindServer, true},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			err := FromStatus(tc.status, "http://example/x", "body")
			assert.Equal(t, tc.kind, err.Kind)
			assert.Equal(t, tc.retryable, err.Retryable)
			assert.Equal(t, tc.status, err.Status)
			assert.Equal(t, Code(fmt.Sprintf("HTTP_%d", tc.status)), err.Code)
		})
	}
}

func TestHelpersSeeThroughWrapping(t *testing.T) {
	base := Transport(CodeTLS, "https://a.plex.direct:32400", errors.New("x509: unknown authority"), true)
	wrapped := fmt.Errorf("fetch movies: %w", base)

	assert.Equal(t, KindTransport, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsTLS(wrapped))
	assert.Equal(t, CodeTLS, CodeOf(wrapped))
	assert.Equal(t, 0, StatusOf(wrapped))
	assert.False(t, IsKind(nil, KindTransport))
	assert.Contains(t, wrapped.Error(), "x509")
}
