package main

import (
	"context"
	"fmt"
	"syscall"

	"github.com/fystack/idbkv/pkg/common/errors"
	"github.com/fystack/idbkv/pkg/config"
	"github.com/fystack/idbkv/pkg/constant"
	"github.com/fystack/idbkv/pkg/encryption"
	"github.com/fystack/idbkv/pkg/idb"
	"github.com/fystack/idbkv/pkg/infra"
	"github.com/fystack/idbkv/pkg/kvstore"
	"github.com/fystack/idbkv/pkg/logger"
	"github.com/fystack/idbkv/pkg/security"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

const (
	badgerKeySalt = "idbkv/badger"
	backupKeySalt = "idbkv/backup"
)

// session holds everything one command needs. Close wipes derived keys.
type session struct {
	cfg      *config.AppConfig
	host     *kvstore.Host
	accessor *idb.Accessor
	store    string
	keys     [][]byte
}

type sessionAction func(ctx context.Context, c *cli.Command, s *session) error

func withSession(action sessionAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c.String("config"), c.Bool("prompt-password"))
		if err != nil {
			return err
		}
		s, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		s.store = c.String("store")
		return action(ctx, c, s)
	}
}

func loadConfig(path string, promptPassword bool) (*config.AppConfig, error) {
	if err := config.InitViperConfig(path); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Environment, cfg.Debug)

	if promptPassword && cfg.Store.Driver == constant.DriverBadger {
		password, err := promptSecret("Enter badger password: ")
		if err != nil {
			return nil, err
		}
		cfg.Badger.Password = string(password)
		security.ZeroBytes(password)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	logger.Debug("Loaded config", "config", cfg.MarshalJSONMask())
	return cfg, nil
}

func promptSecret(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read password")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}
	return secret, nil
}

func openSession(cfg *config.AppConfig) (*session, error) {
	s := &session{cfg: cfg}
	driver, err := s.newDriver()
	if err != nil {
		s.wipeKeys()
		return nil, err
	}

	s.host = kvstore.NewHost(driver)
	s.accessor = idb.New(s.host,
		idb.WithDefaultStore(cfg.Store.DefaultName),
		idb.WithSetIfAbsentDefaultStore(cfg.Store.SetIfAbsentDefault),
	)
	logger.Debug("Opened host", "driver", driver.Name(), "data_dir", cfg.Store.DataDir)
	return s, nil
}

func (s *session) newDriver() (kvstore.Driver, error) {
	switch s.cfg.Store.Driver {
	case constant.DriverBadger:
		key, err := s.deriveKey(s.cfg.Badger.Password, badgerKeySalt, "badger")
		if err != nil {
			return nil, errors.Wrap(err, "derive badger key")
		}
		return kvstore.NewBadgerDriver(kvstore.BadgerOptions{
			Dir:            s.cfg.Store.DataDir,
			EncryptionKey:  key,
			IndexCacheSize: s.cfg.Badger.IndexCacheMB << 20,
			SyncWrites:     s.cfg.Badger.SyncWrites,
		})
	case constant.DriverBolt:
		return kvstore.NewBoltDriver(kvstore.BoltOptions{
			Dir:     s.cfg.Store.DataDir,
			Timeout: s.cfg.Bolt.Timeout,
		})
	case constant.DriverConsul:
		client, err := infra.GetConsulClient(s.cfg.Environment, s.cfg.Consul)
		if err != nil {
			return nil, err
		}
		return kvstore.NewConsulDriver(client.KV(), s.cfg.Consul.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.cfg.Store.Driver)
	}
}

// deriveKey keeps the key so Close can wipe it; badger reads it on every open.
func (s *session) deriveKey(secret, salt, info string) ([]byte, error) {
	key, err := encryption.DeriveKey([]byte(secret), []byte(salt), info)
	if err != nil {
		return nil, err
	}
	s.keys = append(s.keys, key)
	return key, nil
}

func (s *session) backupExecutor() (*kvstore.BadgerBackupExecutor, error) {
	key, err := s.deriveKey(s.cfg.Backup.EncryptionKey, backupKeySalt, "backup")
	if err != nil {
		return nil, errors.Wrap(err, "backup.encryption_key")
	}
	return kvstore.NewBadgerBackupExecutor(s.cfg.Backup.NodeID, key, s.cfg.Backup.Dir)
}

// storeName resolves the --store flag against the configured default.
func (s *session) storeName() string {
	if s.store == "" {
		return s.cfg.Store.DefaultName
	}
	return s.store
}

func (s *session) wipeKeys() {
	security.ZeroAll(s.keys...)
	s.keys = nil
}

func (s *session) Close() error {
	var err error
	if s.host != nil {
		err = s.host.Close()
	}
	s.wipeKeys()
	return err
}
