package constant

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

const (
	// DefaultStoreName is used whenever an operation is called with an empty store name.
	DefaultStoreName = "idbkeyvalue"
	// LegacySetIfAbsentStoreName is the store name older clients used as the default
	// for set-if-absent only. Configure it explicitly to keep writing there.
	LegacySetIfAbsentStoreName = "defaultDB"

	// KeyValueTable is the single table every store carries.
	KeyValueTable = "keyValueStore"
	// SchemaVersion is the only schema version stores are opened at.
	SchemaVersion uint64 = 1
)

const (
	DriverBadger = "badger"
	DriverBolt   = "bolt"
	DriverConsul = "consul"
)
