package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fystack/idbkv/pkg/constant"
	"github.com/fystack/idbkv/pkg/logger"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Environment string `mapstructure:"environment" json:"environment"`
	Debug       bool   `mapstructure:"debug" json:"debug"`

	Store  *StoreConfig  `mapstructure:"store" json:"store"`
	Badger *BadgerConfig `mapstructure:"badger" json:"badger"`
	Bolt   *BoltConfig   `mapstructure:"bolt" json:"bolt"`
	Consul *ConsulConfig `mapstructure:"consul" json:"consul"`
	Backup *BackupConfig `mapstructure:"backup" json:"backup"`
}

type StoreConfig struct {
	Driver  string `mapstructure:"driver" json:"driver"`
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
	// DefaultName is used for calls made with an empty store name.
	DefaultName string `mapstructure:"default_name" json:"default_name"`
	// SetIfAbsentDefault overrides the default store of set-if-absent only.
	SetIfAbsentDefault string `mapstructure:"set_if_absent_default" json:"set_if_absent_default"`
}

type BadgerConfig struct {
	Password     string `mapstructure:"password" json:"password"`
	IndexCacheMB int64  `mapstructure:"index_cache_mb" json:"index_cache_mb"`
	SyncWrites   bool   `mapstructure:"sync_writes" json:"sync_writes"`
}

type BoltConfig struct {
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

type ConsulConfig struct {
	Address  string `mapstructure:"address" json:"address"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
	Token    string `mapstructure:"token" json:"token"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
}

type BackupConfig struct {
	Dir           string `mapstructure:"dir" json:"dir"`
	NodeID        string `mapstructure:"node_id" json:"node_id"`
	EncryptionKey string `mapstructure:"encryption_key" json:"encryption_key"`
}

// Implement masking serializer AppConfig
func (c AppConfig) MarshalJSONMask() string {
	if c.Badger != nil {
		badger := *c.Badger
		badger.Password = strings.Repeat("*", len(badger.Password))
		c.Badger = &badger
	}
	if c.Consul != nil {
		consul := *c.Consul
		consul.Password = strings.Repeat("*", len(consul.Password))
		consul.Token = strings.Repeat("*", len(consul.Token))
		c.Consul = &consul
	}
	if c.Backup != nil {
		backup := *c.Backup
		backup.EncryptionKey = strings.Repeat("*", len(backup.EncryptionKey))
		c.Backup = &backup
	}

	bytes, err := json.Marshal(c)
	if err != nil {
		logger.Error("Failed to marshal app config", err)
	}
	return string(bytes)
}

// Validate reports configuration that cannot produce a working host.
func (c *AppConfig) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store config is required")
	}
	switch c.Store.Driver {
	case constant.DriverBadger:
		if c.Badger == nil || c.Badger.Password == "" {
			return fmt.Errorf("badger.password is required for the badger driver")
		}
	case constant.DriverBolt:
	case constant.DriverConsul:
		if c.Consul == nil || c.Consul.Address == "" {
			return fmt.Errorf("consul.address is required for the consul driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DataDir == "" && c.Store.Driver != constant.DriverConsul {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}

// SetDefaults registers default values for every known key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", constant.EnvDevelopment)
	v.SetDefault("store.driver", constant.DriverBadger)
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("store.default_name", constant.DefaultStoreName)
	v.SetDefault("badger.index_cache_mb", 100)
	v.SetDefault("bolt.timeout", "1s")
	v.SetDefault("consul.address", "localhost:8500")
	v.SetDefault("consul.prefix", "idbkv")
	v.SetDefault("backup.dir", "./backups")
}

// InitViperConfig prepares the global viper instance. The config file is
// optional; every key can also come from the environment (store.driver -> STORE_DRIVER).
func InitViperConfig(configFile string) error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config") // name of config file (without extension)
		viper.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
		viper.AddConfigPath(".")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
		return nil
	}

	logger.Info("Reading config file", "file", viper.ConfigFileUsed())
	return nil
}

func LoadConfig() (*AppConfig, error) {
	return Decode(viper.GetViper())
}

// Decode builds an AppConfig from v, filling defaults for anything unset.
func Decode(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           &config,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	// AllSettings skips env-only keys that were never set in file or defaults,
	// so read every known key explicitly.
	settings := map[string]interface{}{}
	for _, key := range v.AllKeys() {
		setNested(settings, strings.Split(key, "."), v.Get(key))
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	fillDefaults(&config)
	return &config, nil
}

func setNested(m map[string]interface{}, path []string, value interface{}) {
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}

func fillDefaults(c *AppConfig) {
	if c.Store == nil {
		c.Store = &StoreConfig{Driver: constant.DriverBadger}
	}
	if c.Store.DefaultName == "" {
		c.Store.DefaultName = constant.DefaultStoreName
	}
	if c.Store.SetIfAbsentDefault == "" {
		c.Store.SetIfAbsentDefault = c.Store.DefaultName
	}
	if c.Badger == nil {
		c.Badger = &BadgerConfig{}
	}
	if c.Bolt == nil {
		c.Bolt = &BoltConfig{}
	}
	if c.Bolt.Timeout == 0 {
		c.Bolt.Timeout = time.Second
	}
	if c.Consul == nil {
		c.Consul = &ConsulConfig{}
	}
	if c.Backup == nil {
		c.Backup = &BackupConfig{}
	}
	if c.Backup.NodeID == "" {
		c.Backup.NodeID = uuid.NewString()
	}
}
