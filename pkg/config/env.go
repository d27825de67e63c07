package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

var (
	errEmptyEnvVar  = errors.New("environment variable is empty")
	errEmptyEnvName = errors.New("environment variable name is empty")
)

type envConfigValue struct {
	key   common.ConfigKey
	value string
}

var _ common.ConfigItem = (*envConfigValue)(nil)

var (
	configKeyToEnvName []string
	configKeyStrMux    sync.Mutex
)

func init() {
	configKeyStrMux.Lock()
	defer configKeyStrMux.Unlock()

	if len(configKeyToEnvName) < int(common.CONFIG_KEYS_COUNT) {
		configKeyToEnvName = make([]string, common.CONFIG_KEYS_COUNT)
	}

	configKeyToEnvName[common.StageKey] = "STAGE"
	configKeyToEnvName[common.VerboseKey] = "PC_VERBOSE"
	configKeyToEnvName[common.HostKey] = "PC_HOST"
	configKeyToEnvName[common.PortKey] = "PC_PORT"
	configKeyToEnvName[common.ServerSecretKey] = "SERVER_SECRET"
	configKeyToEnvName[common.VPNAPIKeyKey] = "VPN_API_KEY"
	configKeyToEnvName[common.PostgresKey] = "PC_POSTGRES"
	configKeyToEnvName[common.ClickHouseHostKey] = "PC_CLICKHOUSE_HOST"
	configKeyToEnvName[common.ClickHouseDBKey] = "PC_CLICKHOUSE_DB"
	configKeyToEnvName[common.ClickHouseUserKey] = "PC_CLICKHOUSE_USER"
	configKeyToEnvName[common.ClickHousePasswordKey] = "PC_CLICKHOUSE_PASSWORD"
	configKeyToEnvName[common.RateLimitRateKey] = "PC_RATE_LIMIT_RPS"
	configKeyToEnvName[common.RateLimitBurstKey] = "PC_RATE_LIMIT_BURST"
	configKeyToEnvName[common.RateLimitHeaderKey] = "PC_RATE_LIMIT_HEADER"

	for i, v := range configKeyToEnvName {
		if len(v) == 0 {
			panic(fmt.Sprintf("found unconfigured value for key: %v", i))
		}
	}
}

func (v *envConfigValue) Key() common.ConfigKey {
	return v.key
}

func (v *envConfigValue) Value() string {
	return v.value
}

func (v *envConfigValue) Update(getenv func(string) string) error {
	var name string
	if int(v.key) < len(configKeyToEnvName) {
		name = configKeyToEnvName[v.key]
	}
	if len(name) == 0 {
		return errEmptyEnvName
	}

	value := getenv(name)
	v.value = value
	if len(value) == 0 {
		return errEmptyEnvVar
	}

	return nil
}

type envConfig struct {
	values []*envConfigValue
	getenv func(string) string
	lock   sync.RWMutex
}

var _ common.ConfigStore = (*envConfig)(nil)

func NewEnvConfig(getenv func(string) string) *envConfig {
	if getenv == nil {
		getenv = os.Getenv
	}

	values := make([]*envConfigValue, common.CONFIG_KEYS_COUNT)
	for i := range values {
		values[i] = &envConfigValue{key: common.ConfigKey(i)}
	}

	cfg := &envConfig{
		values: values,
		getenv: getenv,
	}

	cfg.Update(context.Background())

	return cfg
}

func (c *envConfig) Get(key common.ConfigKey) common.ConfigItem {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.values[key]
}

func (c *envConfig) Update(ctx context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, v := range c.values {
		if err := v.Update(c.getenv); err != nil {
			slog.Log(ctx, common.LevelTrace, "Config value is not set", "key", v.key)
		}
	}
}

func AsBool(item common.ConfigItem) bool {
	return common.EnvToBool(item.Value())
}
