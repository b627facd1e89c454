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

// Package ctl implements the tieredmqctl administrative subcommands:
// inspecting and destroying queues of a (stopped or externally reachable)
// tieredmqd state directory.
package ctl

import (
	"fmt"
	"os"
	"path/filepath"

	parser "github.com/foxcpp/tieredmq/framework/cfgparser"
	"github.com/foxcpp/tieredmq/framework/config"
	"github.com/foxcpp/tieredmq/framework/log"
	"github.com/foxcpp/tieredmq/internal/queuemgr"
	"github.com/urfave/cli/v2"
)

// configFlag is shared by every subcommand below.
var configFlag = &cli.PathFlag{
	Name:    "config",
	Usage:   "Configuration file to use",
	EnvVars: []string{"TIEREDMQ_CONFIG"},
	Value:   "/etc/tieredmq/tieredmq.conf",
}

// openManager reads the config file named by the --config flag, takes the
// top-level state_dir and the first queue_manager block's pqi_seg_size and
// open_concurrency, and opens a Manager with them, recovering whatever queues
// already exist on disk. A state_dir inside the block and its queues
// directive are not read, so queues not yet on disk are not created. Callers must Shutdown
// the returned Manager when done, since opening it registers SMS clients
// for every recovered queue.
func openManager(ctx *cli.Context) (*queuemgr.Manager, error) {
	cfgPath := ctx.String("config")
	f, err := os.Open(cfgPath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to open config: %v", err), 2)
	}
	defer f.Close()

	nodes, err := parser.Read(f, cfgPath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to parse config: %v", err), 2)
	}

	var stateDir string
	globals := config.NewMap(nil, config.Node{Children: nodes})
	globals.String("state_dir", false, false, "", &stateDir)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	if err != nil {
		return nil, err
	}
	if stateDir == "" {
		return nil, cli.Exit("Error: state_dir is not set in configuration", 2)
	}
	if !filepath.IsAbs(stateDir) {
		abs, err := filepath.Abs(filepath.Join(filepath.Dir(cfgPath), stateDir))
		if err != nil {
			return nil, err
		}
		stateDir = abs
	}

	var segSize int64 = 8 << 20
	var openConcurrency = 4
	for _, block := range unknown {
		if block.Name != "queue_manager" {
			continue
		}
		m := config.NewMap(globals.Values, block)
		m.DataSize("pqi_seg_size", false, false, segSize, &segSize)
		m.Int("open_concurrency", false, false, openConcurrency, &openConcurrency)
		m.AllowUnknown()
		if _, err := m.Process(); err != nil {
			return nil, err
		}
		break
	}

	return queuemgr.Open(queuemgr.Config{
		BaseDir:         stateDir,
		PQISegSize:      uint64(segSize),
		OpenConcurrency: openConcurrency,
		Log:             log.Logger{Name: "tieredmqctl", Out: log.WriterOutput(os.Stderr, false)},
	})
}

func mustQueueArg(ctx *cli.Context) (string, error) {
	name := ctx.Args().First()
	if name == "" {
		return "", cli.Exit("Error: queue name is required", 2)
	}
	return name, nil
}
