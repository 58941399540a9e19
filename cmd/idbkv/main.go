package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "idbkv",
		Usage: "Inspect and edit key/value stores",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file (default ./config.yaml if present)",
			},
			&cli.StringFlag{
				Name:    "store",
				Aliases: []string{"s"},
				Usage:   "Store name (default store.default_name)",
			},
			&cli.BoolFlag{
				Name:    "prompt-password",
				Aliases: []string{"p"},
				Usage:   "Prompt for the badger password instead of reading badger.password",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "Insert or overwrite a key",
				ArgsUsage: "<key> <value>",
				Action:    withSession(putValue),
			},
			{
				Name:      "get",
				Usage:     "Print the value of a key",
				ArgsUsage: "<key>",
				Action:    withSession(getValue),
			},
			{
				Name:      "update",
				Usage:     "Replace the value of an existing key",
				ArgsUsage: "<key> <value>",
				Action:    withSession(updateValue),
			},
			{
				Name:      "set",
				Usage:     "Add a key only if it is not present yet",
				ArgsUsage: "<key> <value>",
				Action:    withSession(setIfAbsent),
			},
			{
				Name:      "delete",
				Usage:     "Delete a key",
				ArgsUsage: "<key>",
				Action:    withSession(deleteKey),
			},
			{
				Name:   "get-all",
				Usage:  "Print every value of the store",
				Action: withSession(getAll),
			},
			{
				Name:      "query",
				Usage:     "Print the values whose fields equal the given JSON object",
				ArgsUsage: "<condition>",
				Action:    withSession(queryBy),
			},
			{
				Name:   "clear",
				Usage:  "Delete every key of the store",
				Action: withSession(clearStore),
			},
			{
				Name:   "drop",
				Usage:  "Delete the whole store",
				Action: withSession(dropStore),
			},
			{
				Name:   "list",
				Usage:  "List store names",
				Action: withSession(listStores),
			},
			{
				Name:   "backup",
				Usage:  "Write an encrypted incremental backup of a badger store",
				Action: withSession(backupStore),
			},
			{
				Name:   "restore",
				Usage:  "Replay every backup of a badger store",
				Action: withSession(restoreStore),
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
