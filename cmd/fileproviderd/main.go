// fileproviderd hosts the file-provider engines for every configured account
// and serves the host bridge the native extension talks to.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "fileproviderd",
		Usage:   "Multi-account file provider daemon",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "accounts",
				Aliases: []string{"a"},
				Usage:   "Path to the accounts TOML file (overrides FILEPROVIDER_ACCOUNTS_FILE)",
			},
			&cli.StringFlag{
				Name:  "database-url",
				Usage: "PostgreSQL URL holding provider_accounts (overrides FILEPROVIDER_DATABASE_URL)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the engines and the host bridge",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "listen",
						Aliases: []string{"l"},
						Usage:   "Host bridge listen address",
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Engine goroutines per account",
					},
				},
				Action: serveAction,
			},
			{
				Name:   "accounts",
				Usage:  "List the configured accounts",
				Action: accountsAction,
			},
			{
				Name:  "resolve",
				Usage: "Show the account, remote path and local path of an identifier",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "identifier"},
				},
				Action: resolveAction,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fileproviderd:", err)
		os.Exit(1)
	}
}
