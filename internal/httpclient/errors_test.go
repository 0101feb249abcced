package httpclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpstreamError(t *testing.T) {
	err := &UpstreamError{StatusCode: 503, URL: "http://backend/v2/health/ready"}
	assert.Equal(t, "upstream error: status 503 from http://backend/v2/health/ready", err.Error())
	assert.True(t, err.Temporary())

	err = &UpstreamError{StatusCode: 400, URL: "u", Body: []byte(` {"error":"bad shape"} `)}
	assert.Equal(t, `upstream error: status 400 from u: {"error":"bad shape"}`, err.Error())
	assert.False(t, err.Temporary())

	long := &UpstreamError{StatusCode: 500, URL: "u", Body: []byte(strings.Repeat("x", 1000))}
	assert.True(t, strings.HasSuffix(long.Error(), "..."))
	assert.Less(t, len(long.Error()), 400)
}
