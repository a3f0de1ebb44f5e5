package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleSecrets = `channels:
  whatsapp/pn-100:
    app_secret: first-secret
    verify_token: vt-100
  messenger/page-200:
    app_secret: page-secret
`

func writeSecrets(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	writeSecrets(t, path, sampleSecrets)

	store := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, store.Load())

	sec, ok := store.Lookup("whatsapp", "pn-100")
	require.True(t, ok)
	assert.Equal(t, "first-secret", sec.AppSecret)
	assert.Equal(t, "vt-100", sec.VerifyToken)

	sec, ok = store.Lookup("messenger", "page-200")
	require.True(t, ok)
	assert.Equal(t, "page-secret", sec.AppSecret)
	assert.Empty(t, sec.VerifyToken)

	_, ok = store.Lookup("whatsapp", "pn-999")
	assert.False(t, ok)

	assert.True(t, store.TokenMatches("whatsapp", "vt-100"))
	assert.False(t, store.TokenMatches("messenger", "vt-100"), "tokens are scoped to their platform")
	assert.False(t, store.TokenMatches("whatsapp", ""))
	assert.False(t, store.TokenMatches("messenger", ""), "entries without a token never match empty input")
}

func TestWatchPicksUpRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	writeSecrets(t, path, sampleSecrets)

	store := NewStore(path, zaptest.NewLogger(t))
	store.debounce = 20 * time.Millisecond
	require.NoError(t, store.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))

	writeSecrets(t, path, `channels:
  whatsapp/pn-100:
    app_secret: rotated-secret
`)

	require.Eventually(t, func() bool {
		sec, ok := store.Lookup("whatsapp", "pn-100")
		return ok && sec.AppSecret == "rotated-secret"
	}, 3*time.Second, 10*time.Millisecond, "rotation must land without a restart")

	_, ok := store.Lookup("messenger", "page-200")
	assert.False(t, ok, "removed entries disappear with the rewrite")
}

func TestMalformedRewriteKeepsLastGoodSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	writeSecrets(t, path, sampleSecrets)

	store := NewStore(path, zaptest.NewLogger(t))
	store.debounce = 20 * time.Millisecond
	require.NoError(t, store.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))

	writeSecrets(t, path, "channels: [broken")
	time.Sleep(200 * time.Millisecond)

	sec, ok := store.Lookup("whatsapp", "pn-100")
	require.True(t, ok, "a bad rewrite must not wipe the served secrets")
	assert.Equal(t, "first-secret", sec.AppSecret)
}

func TestDisabledStore(t *testing.T) {
	store := NewStore("", zaptest.NewLogger(t))
	require.NoError(t, store.Load())
	require.NoError(t, store.Watch(context.Background()))

	_, ok := store.Lookup("whatsapp", "pn-100")
	assert.False(t, ok)
}
