package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fystack/idbkv/pkg/idb"
	"github.com/fystack/idbkv/pkg/kvstore"
	"github.com/urfave/cli/v3"
)

func requireArgs(c *cli.Command, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%s expects %d argument(s): %s", c.Name, n, c.ArgsUsage)
	}
	return nil
}

// parseValue reads a command line value as JSON. Anything that is not valid
// JSON is stored as a plain string, so `put greeting hello` works unquoted.
func parseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

func parseCondition(arg string) (idb.Condition, error) {
	var cond idb.Condition
	if err := json.Unmarshal([]byte(arg), &cond); err != nil {
		return nil, fmt.Errorf("condition must be a JSON object: %w", err)
	}
	return cond, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func putValue(ctx context.Context, c *cli.Command, s *session) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	if err := s.accessor.Insert(ctx, s.store, c.Args().Get(0), parseValue(c.Args().Get(1))); err != nil {
		return err
	}
	fmt.Println("Key-Value pair stored successfully")
	return nil
}

func getValue(ctx context.Context, c *cli.Command, s *session) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	key := c.Args().Get(0)
	value, found, err := s.accessor.Get(ctx, s.store, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %q not found in %s", key, s.storeName())
	}
	return printJSON(value)
}

func updateValue(ctx context.Context, c *cli.Command, s *session) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	status, err := s.accessor.Update(ctx, s.store, c.Args().Get(0), parseValue(c.Args().Get(1)))
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func setIfAbsent(ctx context.Context, c *cli.Command, s *session) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	status, err := s.accessor.SetIfAbsent(ctx, s.store, c.Args().Get(0), parseValue(c.Args().Get(1)))
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func deleteKey(ctx context.Context, c *cli.Command, s *session) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	status, err := s.accessor.Delete(ctx, s.store, c.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func getAll(ctx context.Context, c *cli.Command, s *session) error {
	values, err := s.accessor.GetAll(ctx, s.store)
	if err != nil {
		return err
	}
	return printJSON(values)
}

func queryBy(ctx context.Context, c *cli.Command, s *session) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	cond, err := parseCondition(c.Args().Get(0))
	if err != nil {
		return err
	}
	values, err := s.accessor.QueryBy(ctx, s.store, cond)
	if err != nil {
		return err
	}
	return printJSON(values)
}

func clearStore(ctx context.Context, c *cli.Command, s *session) error {
	status, err := s.accessor.Clear(ctx, s.store)
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func dropStore(ctx context.Context, c *cli.Command, s *session) error {
	status, err := s.accessor.DeleteStore(ctx, s.store)
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func listStores(ctx context.Context, c *cli.Command, s *session) error {
	names, err := s.accessor.ListStoreNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func backupStore(ctx context.Context, c *cli.Command, s *session) error {
	exec, err := s.backupExecutor()
	if err != nil {
		return err
	}
	path, err := kvstore.BackupStore(ctx, s.host, s.storeName(), exec)
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println("No changes since last backup")
		return nil
	}
	fmt.Printf("Backup written to %s\n", path)
	return nil
}

func restoreStore(ctx context.Context, c *cli.Command, s *session) error {
	exec, err := s.backupExecutor()
	if err != nil {
		return err
	}
	n, err := kvstore.RestoreStore(ctx, s.host, s.storeName(), exec)
	if err != nil {
		return err
	}
	fmt.Printf("Restored %d backup file(s) into %s\n", n, s.storeName())
	return nil
}
