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
	"sort"

	tieredmqcli "github.com/foxcpp/tieredmq/internal/cli"
	"github.com/foxcpp/tieredmq/internal/queuemgr"
	"github.com/urfave/cli/v2"
)

func init() {
	tieredmqcli.AddSubcommand(&cli.Command{
		Name:      "status",
		Usage:     "Show queue status",
		ArgsUsage: "[NAME]",
		Description: "Without a NAME argument, lists every queue and its length.\n" +
			"With NAME, prints the full tier breakdown for that one queue.",
		Flags: []cli.Flag{configFlag},
		Action: func(ctx *cli.Context) error {
			mgr, err := openManager(ctx)
			if err != nil {
				return err
			}
			defer mgr.Shutdown(context.Background())

			if name := ctx.Args().First(); name != "" {
				return printOneStatus(mgr, name)
			}
			return printAllStatus(mgr)
		},
	})
}

func printAllStatus(mgr *queuemgr.Manager) error {
	names := mgr.Names()
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("(no queues)")
		return nil
	}
	for _, name := range names {
		q, ok := mgr.Get(name)
		if !ok {
			continue
		}
		fmt.Printf("%s\t%d messages\n", name, q.Len())
	}
	return nil
}

func printOneStatus(mgr *queuemgr.Manager, name string) error {
	q, ok := mgr.Get(name)
	if !ok {
		return cli.Exit(fmt.Sprintf("Error: no such queue: %s", name), 1)
	}

	st := q.Status()
	fmt.Printf("queue: %s\n", name)
	fmt.Printf("  len:                 %d\n", st.Len)
	fmt.Printf("  persistent_count:    %d\n", st.PersistentCount)
	fmt.Printf("  ram_msg_count:       %d\n", st.RAMMsgCount)
	fmt.Printf("  ram_index_count:     %d\n", st.RAMIndexCount)
	fmt.Printf("  target_ram_msg_count: %d\n", st.TargetRAMMsgCount)
	fmt.Printf("  q1 (alpha, new):     %d\n", st.Q1Len)
	fmt.Printf("  q2 (beta/gamma):     %d\n", st.Q2Len)
	fmt.Printf("  delta (on disk):     %d\n", st.DeltaCount)
	fmt.Printf("  q3 (beta/gamma):     %d\n", st.Q3Len)
	fmt.Printf("  q4 (alpha, old):     %d\n", st.Q4Len)
	return nil
}
