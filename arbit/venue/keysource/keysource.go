// Package keysource resolves per-venue API credentials: Vault KV-v2 first,
// environment variables as a fallback, so neither dependency is mandatory
// to run --sandbox.
package keysource

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"
)

// Credentials is what one venue adapter needs to authenticate.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string // only some venues require this
	BaseURL    string
	Sandbox    bool
}

// Source resolves credentials for a venue ID.
type Source interface {
	Resolve(ctx context.Context, venueID string) (Credentials, error)
}

// EnvSource reads <VENUEID>_API_KEY, <VENUEID>_SECRET, <VENUEID>_PASSPHRASE,
// <VENUEID>_BASE_URL and <VENUEID>_SANDBOX (any of "1","true","yes" is true).
type EnvSource struct{}

func (EnvSource) Resolve(_ context.Context, venueID string) (Credentials, error) {
	prefix := strings.ToUpper(venueID) + "_"
	key := os.Getenv(prefix + "API_KEY")
	secret := os.Getenv(prefix + "SECRET")
	if key == "" || secret == "" {
		return Credentials{}, fmt.Errorf("keysource: missing %sAPI_KEY/%sSECRET", prefix, prefix)
	}
	sandbox := false
	switch strings.ToLower(os.Getenv(prefix + "SANDBOX")) {
	case "1", "true", "yes":
		sandbox = true
	}
	return Credentials{
		APIKey:     key,
		Secret:     secret,
		Passphrase: os.Getenv(prefix + "PASSPHRASE"),
		BaseURL:    os.Getenv(prefix + "BASE_URL"),
		Sandbox:    sandbox,
	}, nil
}

// VaultSource reads credentials from a Vault KV-v2 mount at
// <mountPath>/data/<venueID>, falling back to fallback on any Vault error so
// a missing or sealed Vault never blocks startup outright.
type VaultSource struct {
	client    *vault.Client
	mountPath string
	fallback  Source
	logger    *logrus.Entry
}

// NewVaultSource builds a VaultSource. addr/token follow the usual
// VAULT_ADDR/VAULT_TOKEN convention; an empty token is rejected immediately
// rather than silently using Vault's insecure root-token default.
func NewVaultSource(addr, token, mountPath string, fallback Source, logger *logrus.Entry) (*VaultSource, error) {
	if logger == nil {
		logger = logrus.WithField("component", "keysource-vault")
	}
	if token == "" {
		return nil, fmt.Errorf("keysource: vault token required")
	}
	cfg := vault.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("keysource: new vault client: %w", err)
	}
	client.SetToken(token)
	if mountPath == "" {
		mountPath = "secret"
	}
	return &VaultSource{client: client, mountPath: mountPath, fallback: fallback, logger: logger}, nil
}

func (v *VaultSource) Resolve(ctx context.Context, venueID string) (Credentials, error) {
	path := fmt.Sprintf("%s/data/%s", v.mountPath, strings.ToLower(venueID))
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil || secret == nil || secret.Data == nil {
		if v.fallback != nil {
			v.logger.WithField("venue", venueID).WithError(err).Warn("vault read failed, falling back to env")
			return v.fallback.Resolve(ctx, venueID)
		}
		return Credentials{}, fmt.Errorf("keysource: read %s: %w", path, err)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("keysource: unexpected secret shape at %s", path)
	}

	get := func(field string) string {
		if s, ok := data[field].(string); ok {
			return s
		}
		return ""
	}
	key := get("api_key")
	secretKey := get("secret")
	if key == "" || secretKey == "" {
		if v.fallback != nil {
			return v.fallback.Resolve(ctx, venueID)
		}
		return Credentials{}, fmt.Errorf("keysource: incomplete secret at %s", path)
	}

	return Credentials{
		APIKey:     key,
		Secret:     secretKey,
		Passphrase: get("passphrase"),
		BaseURL:    get("base_url"),
		Sandbox:    get("sandbox") == "true",
	}, nil
}

var (
	_ Source = EnvSource{}
	_ Source = (*VaultSource)(nil)
)
