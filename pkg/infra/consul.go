package infra

import (
	"fmt"
	"time"

	"github.com/fystack/idbkv/pkg/config"
	"github.com/fystack/idbkv/pkg/constant"
	"github.com/fystack/idbkv/pkg/logger"
	"github.com/hashicorp/consul/api"
)

// ConsulKV is the subset of *api.KV used by the consul store driver.
type ConsulKV interface {
	Put(kv *api.KVPair, options *api.WriteOptions) (*api.WriteMeta, error)
	Get(key string, options *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	Delete(key string, options *api.WriteOptions) (*api.WriteMeta, error)
	List(prefix string, options *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
	Keys(prefix, separator string, options *api.QueryOptions) ([]string, *api.QueryMeta, error)
	DeleteTree(prefix string, options *api.WriteOptions) (*api.WriteMeta, error)
	Txn(txn api.KVTxnOps, options *api.QueryOptions) (bool, *api.KVTxnResponse, *api.QueryMeta, error)
}

func GetConsulClient(environment string, cfg *config.ConsulConfig) (*api.Client, error) {
	consulConfig := api.DefaultConfig()
	if environment == constant.EnvProduction {
		consulConfig.Token = cfg.Token
		if cfg.Username != "" || cfg.Password != "" {
			consulConfig.HttpAuth = &api.HttpBasicAuth{
				Username: cfg.Username,
				Password: cfg.Password,
			}
		}
	}

	consulConfig.Address = cfg.Address
	consulConfig.WaitTime = 10 * time.Second

	logger.Info("Consul config",
		"environment", environment,
		"address", consulConfig.Address,
		"wait_time", consulConfig.WaitTime,
		"token_length", len(consulConfig.Token),
	)

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	// Ping the Consul server to verify connectivity
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connect to consul: %w", err)
	}

	return client, nil
}
