package executor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vulnproof/internal/apperror"
)

func TestBuildEnv(t *testing.T) {
	env, err := BuildEnv(DeclaredEnv("http://10.0.1.45:8080", "abc123"))
	require.NoError(t, err)

	assert.Contains(t, env, "TARGET_URL=http://10.0.1.45:8080")
	assert.Contains(t, env, "SCAN_ID=abc123")
	assert.Contains(t, env, "HOME=/tmp")
	assert.Len(t, env, len(baseEnv)+2)
}

func TestBuildEnv_RejectsUndeclared(t *testing.T) {
	_, err := BuildEnv(map[string]string{"OPENAI_API_KEY": "sk-leak"})
	assert.Error(t, err)
}

func TestProxyEnv(t *testing.T) {
	env := ProxyEnv("http://10.1.0.2:3128")

	for _, key := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"} {
		assert.Contains(t, env, key+"=http://10.1.0.2:3128")
	}
	assert.Contains(t, env, "NO_PROXY=")
	assert.Contains(t, env, "no_proxy=")
}

func TestEffectiveTimeout(t *testing.T) {
	assert.Equal(t, time.Second, EffectiveTimeout(Request{Timeout: time.Second}, time.Minute))
	assert.Equal(t, time.Minute, EffectiveTimeout(Request{}, time.Minute))
	assert.Equal(t, DefaultTimeout, EffectiveTimeout(Request{}, 0))
}

func TestLaunchFailure(t *testing.T) {
	res, err := LaunchFailure("abc123", time.Now(), "cannot create sandbox", errors.New("no space"))

	require.NotNil(t, res)
	assert.True(t, res.Status.IsError())
	assert.Equal(t, "abc123", res.ScanID)
	assert.True(t, errors.Is(err, apperror.ErrSandboxLaunch))
}

func TestLimitedBuffer(t *testing.T) {
	b := NewLimitedBuffer(8)

	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, b.Truncated())

	n, err = b.Write([]byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, 6, n, "reports the full write")
	assert.Equal(t, "hello wo", b.String())
	assert.True(t, b.Truncated())

	n, _ = b.Write([]byte(strings.Repeat("x", 100)))
	assert.Equal(t, 100, n)
	assert.Equal(t, "hello wo", b.String())
}

func TestLimitedBuffer_DefaultLimit(t *testing.T) {
	b := NewLimitedBuffer(0)
	_, _ = b.Write(make([]byte, DefaultMaxOutput+10))
	assert.Len(t, b.String(), DefaultMaxOutput)
	assert.True(t, b.Truncated())
}
