package config

import (
	"context"
	"testing"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(name string) string {
		return values[name]
	}
}

func TestEnvConfigGet(t *testing.T) {
	t.Parallel()

	cfg := NewEnvConfig(fakeEnv(map[string]string{
		"STAGE":         "dev",
		"SERVER_SECRET": "0123456789abcdef0123456789abcdef",
	}))

	if got := cfg.Get(common.StageKey).Value(); got != "dev" {
		t.Errorf("Unexpected stage: %q", got)
	}

	if got := cfg.Get(common.ServerSecretKey).Value(); len(got) != 32 {
		t.Errorf("Unexpected secret length: %v", len(got))
	}

	if got := cfg.Get(common.VPNAPIKeyKey).Value(); got != "" {
		t.Errorf("Unset variable is not empty: %q", got)
	}
}

func TestEnvConfigUpdate(t *testing.T) {
	t.Parallel()

	values := map[string]string{"PC_VERBOSE": ""}
	cfg := NewEnvConfig(fakeEnv(values))

	if AsBool(cfg.Get(common.VerboseKey)) {
		t.Error("Verbose is set")
	}

	values["PC_VERBOSE"] = "true"
	cfg.Update(context.Background())

	if !AsBool(cfg.Get(common.VerboseKey)) {
		t.Error("Updated value not picked up")
	}
}

func TestEveryKeyHasEnvName(t *testing.T) {
	t.Parallel()

	for key := common.ConfigKey(0); key < common.CONFIG_KEYS_COUNT; key++ {
		if len(configKeyToEnvName[key]) == 0 {
			t.Errorf("Config key %v has no env name", key)
		}
	}
}
