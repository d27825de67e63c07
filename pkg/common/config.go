package common

import "context"

type ConfigKey int

const (
	StageKey ConfigKey = iota
	VerboseKey
	HostKey
	PortKey
	ServerSecretKey
	VPNAPIKeyKey
	PostgresKey
	ClickHouseHostKey
	ClickHouseDBKey
	ClickHouseUserKey
	ClickHousePasswordKey
	RateLimitRateKey
	RateLimitBurstKey
	RateLimitHeaderKey
	// Add new fields _above_
	CONFIG_KEYS_COUNT
)

type ConfigItem interface {
	Key() ConfigKey
	Value() string
}

type ConfigStore interface {
	Get(key ConfigKey) ConfigItem
	Update(ctx context.Context)
}
