/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ctl

import (
	"context"
	"fmt"

	tieredmqcli "github.com/foxcpp/tieredmq/internal/cli"
	"github.com/foxcpp/tieredmq/internal/cli/clitools"
	"github.com/urfave/cli/v2"
)

func init() {
	tieredmqcli.AddSubcommand(&cli.Command{
		Name:      "purge",
		Usage:     "Discard every message currently queued",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			configFlag,
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Don't ask for confirmation"},
		},
		Action: func(ctx *cli.Context) error {
			name, err := mustQueueArg(ctx)
			if err != nil {
				return err
			}

			mgr, err := openManager(ctx)
			if err != nil {
				return err
			}
			defer mgr.Shutdown(context.Background())

			q, ok := mgr.Get(name)
			if !ok {
				return cli.Exit(fmt.Sprintf("Error: no such queue: %s", name), 1)
			}

			if !ctx.Bool("yes") {
				if !clitools.Confirmation(fmt.Sprintf("Purge all %d messages in %q?", q.Len(), name), false) {
					return cli.Exit("Aborted", 1)
				}
			}

			return q.Purge()
		},
	})
}
