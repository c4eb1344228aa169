package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/nostr"
)

const (
	keyPrivateKey       = "identity.private_key"
	keyRelays           = "relays"
	keySupportedKinds   = "supported_kinds"
	keyMinPriceSats     = "pricing.min_price_sats"
	keyPricePer1kTokens = "pricing.price_per_1k_tokens"
	keyModelName        = "model.name"
	keyMaxTokens        = "model.max_tokens"
	keyTemperature      = "model.temperature"
	keyTopK             = "model.top_k"
	keyTopP             = "model.top_p"
	keyFrequencyPenalty = "model.frequency_penalty"
	keyFailExpired      = "reconcile.fail_expired"
)

// SettingsProvider resolves one consistent snapshot of the operating settings.
type SettingsProvider interface {
	Resolve(ctx context.Context) (domain.EffectiveConfig, error)
}

// StaticSettings always resolves to the same configuration.
type StaticSettings struct {
	Config domain.EffectiveConfig
}

func (s StaticSettings) Resolve(context.Context) (domain.EffectiveConfig, error) {
	return s.Config.Clone(), nil
}

// SettingsPatch is a partial update of the user overrides file. Nil fields
// are left untouched.
type SettingsPatch struct {
	IdentityPrivateKeyHex *string  `json:"identity_private_key,omitempty"`
	Relays                []string `json:"relays,omitempty"`
	SupportedKinds        []int    `json:"supported_kinds,omitempty"`
	MinPriceSats          *int64   `json:"min_price_sats,omitempty"`
	PricePer1kTokens      *int64   `json:"price_per_1k_tokens,omitempty"`
	Model                 *string  `json:"model,omitempty"`
	MaxTokens             *int     `json:"max_tokens,omitempty"`
	Temperature           *float64 `json:"temperature,omitempty"`
	TopK                  *int     `json:"top_k,omitempty"`
	TopP                  *float64 `json:"top_p,omitempty"`
	FrequencyPenalty      *float64 `json:"frequency_penalty,omitempty"`
	FailExpiredInvoices   *bool    `json:"fail_expired_invoices,omitempty"`
}

// settingsOverrides is the on-disk shape of the user overrides file.
type settingsOverrides struct {
	Identity *struct {
		PrivateKey *string `yaml:"private_key,omitempty"`
	} `yaml:"identity,omitempty"`
	Relays         []string `yaml:"relays,omitempty"`
	SupportedKinds []int    `yaml:"supported_kinds,omitempty"`
	Pricing        *struct {
		MinPriceSats     *int64 `yaml:"min_price_sats,omitempty"`
		PricePer1kTokens *int64 `yaml:"price_per_1k_tokens,omitempty"`
	} `yaml:"pricing,omitempty"`
	Model *struct {
		Name             *string  `yaml:"name,omitempty"`
		MaxTokens        *int     `yaml:"max_tokens,omitempty"`
		Temperature      *float64 `yaml:"temperature,omitempty"`
		TopK             *int     `yaml:"top_k,omitempty"`
		TopP             *float64 `yaml:"top_p,omitempty"`
		FrequencyPenalty *float64 `yaml:"frequency_penalty,omitempty"`
	} `yaml:"model,omitempty"`
	Reconcile *struct {
		FailExpired *bool `yaml:"fail_expired,omitempty"`
	} `yaml:"reconcile,omitempty"`
}

type settingsSnapshot struct {
	config domain.EffectiveConfig
	err    error
}

// ViperSettings layers built-in defaults, DVM_* environment variables and the
// YAML user overrides file, in increasing precedence. Each reload swaps an
// immutable snapshot, so Resolve never observes a half-applied change.
type ViperSettings struct {
	file     string
	logger   *zap.SugaredLogger
	snapshot atomic.Pointer[settingsSnapshot]
	writeMu  sync.Mutex
}

func NewViperSettings(file string, logger *zap.SugaredLogger) *ViperSettings {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	settings := &ViperSettings{
		file:   strings.TrimSpace(file),
		logger: logger.With("component", "settings"),
	}
	if err := settings.Reload(); err != nil {
		// Keep serving so the settings can still be fixed through Update.
		settings.logger.Warnw("settings are not usable yet", "error", err)
	}
	return settings
}

func (s *ViperSettings) File() string {
	return s.file
}

func (s *ViperSettings) Resolve(context.Context) (domain.EffectiveConfig, error) {
	snapshot := s.snapshot.Load()
	if snapshot.err != nil {
		return domain.EffectiveConfig{}, snapshot.err
	}
	return snapshot.config.Clone(), nil
}

// Reload re-reads environment and overrides file. An unreadable file keeps
// the previous snapshot in place.
func (s *ViperSettings) Reload() error {
	config, err := s.load()
	if err != nil {
		if s.snapshot.Load() == nil {
			s.snapshot.Store(&settingsSnapshot{err: err})
		}
		return err
	}
	if err := validateSettings(config); err != nil {
		if s.snapshot.Load() == nil {
			s.snapshot.Store(&settingsSnapshot{err: err})
		}
		return err
	}
	s.snapshot.Store(&settingsSnapshot{config: config})
	return nil
}

func (s *ViperSettings) load() (domain.EffectiveConfig, error) {
	base := viper.New()
	base.SetDefault(keyPrivateKey, "")
	base.SetDefault(keyRelays, []string{})
	base.SetDefault(keySupportedKinds, []int{nostr.KindTextGeneration})
	base.SetDefault(keyMinPriceSats, 10)
	base.SetDefault(keyPricePer1kTokens, 2)
	base.SetDefault(keyModelName, "llama3.2")
	base.SetDefault(keyMaxTokens, 1024)
	base.SetDefault(keyTemperature, 0.7)
	base.SetDefault(keyTopK, 40)
	base.SetDefault(keyTopP, 0.9)
	base.SetDefault(keyFrequencyPenalty, 0.0)
	base.SetDefault(keyFailExpired, false)
	base.SetEnvPrefix("DVM")
	base.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	base.AutomaticEnv()

	overrides := viper.New()
	if s.file != "" {
		if _, err := os.Stat(s.file); err == nil {
			overrides.SetConfigFile(s.file)
			overrides.SetConfigType("yaml")
			if err := overrides.ReadInConfig(); err != nil {
				return domain.EffectiveConfig{}, domain.NewConfigError("settings file is not valid YAML", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return domain.EffectiveConfig{}, domain.NewConfigError("settings file is not readable", err)
		}
	}

	pick := func(key string) any {
		if overrides.IsSet(key) {
			return overrides.Get(key)
		}
		return base.Get(key)
	}

	supportedKinds, err := intList(pick(keySupportedKinds))
	if err != nil {
		return domain.EffectiveConfig{}, domain.NewConfigError("supported kinds must be integers", err)
	}

	config := domain.EffectiveConfig{
		IdentityPrivateKeyHex: strings.TrimSpace(toString(pick(keyPrivateKey))),
		Relays:                stringList(pick(keyRelays)),
		SupportedKinds:        supportedKinds,
		Pricing: domain.Pricing{
			MinPriceSats:     toInt64(pick(keyMinPriceSats)),
			PricePer1kTokens: toInt64(pick(keyPricePer1kTokens)),
		},
		ModelParams: domain.ModelParams{
			Model:            strings.TrimSpace(toString(pick(keyModelName))),
			MaxTokens:        int(toInt64(pick(keyMaxTokens))),
			Temperature:      toFloat64(pick(keyTemperature)),
			TopK:             int(toInt64(pick(keyTopK))),
			TopP:             toFloat64(pick(keyTopP)),
			FrequencyPenalty: toFloat64(pick(keyFrequencyPenalty)),
		},
		FailExpiredInvoices: toBool(pick(keyFailExpired)),
	}

	if config.IdentityPrivateKeyHex != "" {
		publicKey, err := nostr.PublicKeyHex(config.IdentityPrivateKeyHex)
		if err != nil {
			return domain.EffectiveConfig{}, domain.NewConfigError("identity private key is invalid", err)
		}
		config.IdentityPublicKeyHex = publicKey
	}
	return config, nil
}

func validateSettings(config domain.EffectiveConfig) error {
	for _, relay := range config.Relays {
		parsed, err := url.Parse(relay)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
			return domain.NewConfigError(fmt.Sprintf("relay %q is not a websocket url", relay), err)
		}
	}
	for _, kind := range config.SupportedKinds {
		if !nostr.IsJobRequestKind(kind) {
			return domain.NewConfigError(fmt.Sprintf("kind %d is not a job request kind", kind), nil)
		}
	}
	if config.Pricing.MinPriceSats < 0 || config.Pricing.PricePer1kTokens < 0 {
		return domain.NewConfigError("pricing must not be negative", nil)
	}
	if config.ModelParams.Model == "" {
		return domain.NewConfigError("model name is required", nil)
	}
	return nil
}

// Update merges patch into the overrides file and reloads. The previous file
// is restored when the result does not validate.
func (s *ViperSettings) Update(ctx context.Context, patch SettingsPatch) (domain.EffectiveConfig, error) {
	if s.file == "" {
		return domain.EffectiveConfig{}, domain.NewConfigError("no settings file configured", nil)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	previous, err := os.ReadFile(s.file)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.EffectiveConfig{}, fmt.Errorf("read settings file: %w", err)
	}
	existed := err == nil

	var overrides settingsOverrides
	if len(previous) > 0 {
		if err := yaml.Unmarshal(previous, &overrides); err != nil {
			return domain.EffectiveConfig{}, domain.NewConfigError("settings file is not valid YAML", err)
		}
	}
	applyPatch(&overrides, patch)

	encoded, err := yaml.Marshal(&overrides)
	if err != nil {
		return domain.EffectiveConfig{}, fmt.Errorf("encode settings: %w", err)
	}
	if err := writeFileAtomic(s.file, encoded); err != nil {
		return domain.EffectiveConfig{}, err
	}

	if reloadErr := s.Reload(); reloadErr != nil {
		if existed {
			_ = writeFileAtomic(s.file, previous)
		} else {
			_ = os.Remove(s.file)
		}
		_ = s.Reload()
		return domain.EffectiveConfig{}, reloadErr
	}

	s.logger.Infow("settings updated", "file", s.file)
	return s.Resolve(ctx)
}

// Watch reloads the snapshot whenever the overrides file changes, until ctx
// is done.
func (s *ViperSettings) Watch(ctx context.Context) error {
	if s.file == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.file)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.file)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warnw("settings reload failed, keeping previous snapshot", "error", err)
				continue
			}
			s.logger.Infow("settings reloaded", "file", s.file)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnw("settings watcher error", "error", err)
		}
	}
}

func applyPatch(overrides *settingsOverrides, patch SettingsPatch) {
	if patch.IdentityPrivateKeyHex != nil {
		if overrides.Identity == nil {
			overrides.Identity = &struct {
				PrivateKey *string `yaml:"private_key,omitempty"`
			}{}
		}
		value := strings.TrimSpace(*patch.IdentityPrivateKeyHex)
		overrides.Identity.PrivateKey = &value
	}
	if patch.Relays != nil {
		overrides.Relays = append([]string(nil), patch.Relays...)
	}
	if patch.SupportedKinds != nil {
		overrides.SupportedKinds = append([]int(nil), patch.SupportedKinds...)
	}
	if patch.MinPriceSats != nil || patch.PricePer1kTokens != nil {
		if overrides.Pricing == nil {
			overrides.Pricing = &struct {
				MinPriceSats     *int64 `yaml:"min_price_sats,omitempty"`
				PricePer1kTokens *int64 `yaml:"price_per_1k_tokens,omitempty"`
			}{}
		}
		if patch.MinPriceSats != nil {
			overrides.Pricing.MinPriceSats = patch.MinPriceSats
		}
		if patch.PricePer1kTokens != nil {
			overrides.Pricing.PricePer1kTokens = patch.PricePer1kTokens
		}
	}
	if patch.Model != nil || patch.MaxTokens != nil || patch.Temperature != nil ||
		patch.TopK != nil || patch.TopP != nil || patch.FrequencyPenalty != nil {
		if overrides.Model == nil {
			overrides.Model = &struct {
				Name             *string  `yaml:"name,omitempty"`
				MaxTokens        *int     `yaml:"max_tokens,omitempty"`
				Temperature      *float64 `yaml:"temperature,omitempty"`
				TopK             *int     `yaml:"top_k,omitempty"`
				TopP             *float64 `yaml:"top_p,omitempty"`
				FrequencyPenalty *float64 `yaml:"frequency_penalty,omitempty"`
			}{}
		}
		if patch.Model != nil {
			overrides.Model.Name = patch.Model
		}
		if patch.MaxTokens != nil {
			overrides.Model.MaxTokens = patch.MaxTokens
		}
		if patch.Temperature != nil {
			overrides.Model.Temperature = patch.Temperature
		}
		if patch.TopK != nil {
			overrides.Model.TopK = patch.TopK
		}
		if patch.TopP != nil {
			overrides.Model.TopP = patch.TopP
		}
		if patch.FrequencyPenalty != nil {
			overrides.Model.FrequencyPenalty = patch.FrequencyPenalty
		}
	}
	if patch.FailExpiredInvoices != nil {
		if overrides.Reconcile == nil {
			overrides.Reconcile = &struct {
				FailExpired *bool `yaml:"fail_expired,omitempty"`
			}{}
		}
		overrides.Reconcile.FailExpired = patch.FailExpiredInvoices
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close settings file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod settings file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

func stringList(value any) []string {
	var raw []string
	switch typed := value.(type) {
	case nil:
		return []string{}
	case string:
		raw = strings.FieldsFunc(typed, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' })
	case []string:
		raw = typed
	case []any:
		for _, item := range typed {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = []string{fmt.Sprint(typed)}
	}

	list := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		list = append(list, trimmed)
	}
	return list
}

func intList(value any) ([]int, error) {
	switch typed := value.(type) {
	case []int:
		return append([]int(nil), typed...), nil
	case nil:
		return []int{}, nil
	}
	list := make([]int, 0)
	for _, item := range stringList(value) {
		parsed, err := strconv.Atoi(item)
		if err != nil {
			return nil, err
		}
		list = append(list, parsed)
	}
	return list, nil
}

func toString(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func toInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	default:
		parsed, _ := strconv.ParseInt(strings.TrimSpace(toString(value)), 10, 64)
		return parsed
	}
}

func toFloat64(value any) float64 {
	switch typed := value.(type) {
	case float64:
		return typed
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	default:
		parsed, _ := strconv.ParseFloat(strings.TrimSpace(toString(value)), 64)
		return parsed
	}
}

func toBool(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	default:
		parsed, _ := strconv.ParseBool(strings.TrimSpace(toString(value)))
		return parsed
	}
}
