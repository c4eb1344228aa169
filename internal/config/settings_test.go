package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/nostr"
)

const testPrivateKey = "0000000000000000000000000000000000000000000000000000000000000003"

func TestViperSettingsDefaults(t *testing.T) {
	settings := NewViperSettings(filepath.Join(t.TempDir(), "missing.yaml"), nil)

	cfg, err := settings.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{nostr.KindTextGeneration}, cfg.SupportedKinds)
	assert.Equal(t, int64(10), cfg.Pricing.MinPriceSats)
	assert.Equal(t, int64(2), cfg.Pricing.PricePer1kTokens)
	assert.Equal(t, "llama3.2", cfg.ModelParams.Model)
	assert.Empty(t, cfg.Relays)
	assert.Empty(t, cfg.IdentityPublicKeyHex)
	assert.False(t, cfg.FailExpiredInvoices)
}

func TestViperSettingsEnvOverridesDefaults(t *testing.T) {
	t.Setenv("DVM_RELAYS", "wss://relay.one, wss://relay.two,wss://relay.one")
	t.Setenv("DVM_SUPPORTED_KINDS", "5050,5100")
	t.Setenv("DVM_PRICING_MIN_PRICE_SATS", "25")
	t.Setenv("DVM_MODEL_TEMPERATURE", "0.2")
	t.Setenv("DVM_IDENTITY_PRIVATE_KEY", testPrivateKey)

	settings := NewViperSettings("", nil)
	cfg, err := settings.Resolve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, cfg.Relays)
	assert.Equal(t, []int{5050, 5100}, cfg.SupportedKinds)
	assert.Equal(t, int64(25), cfg.Pricing.MinPriceSats)
	assert.InDelta(t, 0.2, cfg.ModelParams.Temperature, 1e-9)

	expected, err := nostr.PublicKeyHex(testPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, expected, cfg.IdentityPublicKeyHex)
}

func TestViperSettingsFileOverridesEnv(t *testing.T) {
	t.Setenv("DVM_PRICING_MIN_PRICE_SATS", "25")
	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
relays:
  - wss://relay.file
pricing:
  min_price_sats: 50
model:
  name: mistral
  max_tokens: 256
reconcile:
  fail_expired: true
`), 0o600))

	settings := NewViperSettings(file, nil)
	cfg, err := settings.Resolve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://relay.file"}, cfg.Relays)
	assert.Equal(t, int64(50), cfg.Pricing.MinPriceSats)
	assert.Equal(t, int64(2), cfg.Pricing.PricePer1kTokens)
	assert.Equal(t, "mistral", cfg.ModelParams.Model)
	assert.Equal(t, 256, cfg.ModelParams.MaxTokens)
	assert.True(t, cfg.FailExpiredInvoices)
}

func TestViperSettingsInvalidKeyIsConfigError(t *testing.T) {
	t.Setenv("DVM_IDENTITY_PRIVATE_KEY", "not-hex")

	settings := NewViperSettings("", nil)
	_, err := settings.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfig))
}

func TestViperSettingsRejectsNonRequestKinds(t *testing.T) {
	t.Setenv("DVM_SUPPORTED_KINDS", "7000")

	settings := NewViperSettings("", nil)
	_, err := settings.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfig))
}

func TestViperSettingsUpdateWritesOverrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	settings := NewViperSettings(file, nil)

	minPrice := int64(99)
	model := "qwen2"
	key := testPrivateKey
	cfg, err := settings.Update(context.Background(), SettingsPatch{
		IdentityPrivateKeyHex: &key,
		Relays:                []string{"wss://relay.patch"},
		MinPriceSats:          &minPrice,
		Model:                 &model,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), cfg.Pricing.MinPriceSats)
	assert.Equal(t, "qwen2", cfg.ModelParams.Model)
	assert.Equal(t, []string{"wss://relay.patch"}, cfg.Relays)
	assert.NotEmpty(t, cfg.IdentityPublicKeyHex)

	reloaded := NewViperSettings(file, nil)
	again, err := reloaded.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestViperSettingsUpdateRollsBackInvalidPatch(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte("pricing:\n  min_price_sats: 30\n"), 0o600))
	settings := NewViperSettings(file, nil)

	_, err := settings.Update(context.Background(), SettingsPatch{Relays: []string{"http://not-a-relay"}})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfig))

	cfg, err := settings.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), cfg.Pricing.MinPriceSats)
	assert.Empty(t, cfg.Relays)

	contents, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "pricing:\n  min_price_sats: 30\n", string(contents))
}

func TestViperSettingsUpdateWithoutFile(t *testing.T) {
	settings := NewViperSettings("", nil)
	_, err := settings.Update(context.Background(), SettingsPatch{})
	require.Error(t, err)
}

func TestViperSettingsReloadKeepsPreviousSnapshotOnBadYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte("pricing:\n  min_price_sats: 40\n"), 0o600))
	settings := NewViperSettings(file, nil)

	require.NoError(t, os.WriteFile(file, []byte("pricing: [unterminated"), 0o600))
	require.Error(t, settings.Reload())

	cfg, err := settings.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(40), cfg.Pricing.MinPriceSats)
}

func TestViperSettingsWatchReloadsOnChange(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte("pricing:\n  min_price_sats: 11\n"), 0o600))
	settings := NewViperSettings(file, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- settings.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte("pricing:\n  min_price_sats: 77\n"), 0o600))

	require.Eventually(t, func() bool {
		cfg, err := settings.Resolve(context.Background())
		return err == nil && cfg.Pricing.MinPriceSats == 77
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestStaticSettingsReturnsCopy(t *testing.T) {
	static := StaticSettings{Config: domain.EffectiveConfig{Relays: []string{"wss://a"}}}
	cfg, err := static.Resolve(context.Background())
	require.NoError(t, err)
	cfg.Relays[0] = "wss://changed"

	again, _ := static.Resolve(context.Background())
	assert.Equal(t, "wss://a", again.Relays[0])
}
