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

// Package tieredmq ties the paging engine (internal/tieredqueue,
// internal/queuemgr) to a runnable daemon: config file parsing, logging
// setup, module lifecycle and signal handling.
package tieredmq

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	parser "github.com/foxcpp/tieredmq/framework/cfgparser"
	"github.com/foxcpp/tieredmq/framework/config"
	"github.com/foxcpp/tieredmq/framework/hooks"
	"github.com/foxcpp/tieredmq/framework/log"
	"github.com/foxcpp/tieredmq/framework/module"
	"github.com/foxcpp/tieredmq/internal/queuemgr"
)

var Version = "go-build"

func BuildInfo() string {
	version := Version
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	return fmt.Sprintf("%s\n\ndefault config: %s\ndefault state_dir: %s\ndefault runtime_dir: %s",
		version,
		filepath.Join(ConfigDirectory, "tieredmq.conf"),
		DefaultStateDirectory,
		DefaultRuntimeDirectory)
}

// Run is cmd/tieredmqd's entire entry point. It parses the CLI flags, reads
// the config file and hands off to moduleMain.
func Run() int {
	flag.StringVar(&config.LibexecDirectory, "libexec", DefaultLibexecDirectory, "path to the libexec directory")
	flag.BoolVar(&log.DefaultLogger.Debug, "debug", false, "enable debug logging early")

	configPath := flag.String("config", filepath.Join(ConfigDirectory, "tieredmq.conf"), "path to configuration file")
	logTargets := flag.String("log", "stderr", "default logging target(s)")
	printVersion := flag.Bool("v", false, "print version and build metadata, then exit")

	flag.Parse()

	if len(flag.Args()) != 0 {
		fmt.Println("usage:", os.Args[0], "[options]")
		return 2
	}
	if *printVersion {
		fmt.Println("tieredmqd", BuildInfo())
		return 0
	}

	var err error
	log.DefaultLogger.Out, err = LogOutputOption(strings.Split(*logTargets, ","))
	if err != nil {
		log.Println(err)
		return 2
	}

	f, err := os.Open(*configPath)
	if err != nil {
		log.Println(err)
		return 2
	}
	defer f.Close()

	cfg, err := parser.Read(f, *configPath)
	if err != nil {
		log.Println(err)
		return 2
	}

	if err := moduleMain(cfg); err != nil {
		log.Println(err)
		return 2
	}
	return 0
}

// InitDirs resolves config.StateDirectory/RuntimeDirectory/LibexecDirectory
// to their effective values, ensures they exist and are writable, then
// changes the working directory to the state dir so relative paths in
// configuration resolve against it.
func InitDirs() error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}
	if config.RuntimeDirectory == "" {
		config.RuntimeDirectory = DefaultRuntimeDirectory
	}
	if config.LibexecDirectory == "" {
		config.LibexecDirectory = DefaultLibexecDirectory
	}

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(config.RuntimeDirectory); err != nil {
		return err
	}

	if !filepath.IsAbs(config.StateDirectory) {
		return errors.New("state_dir should be absolute")
	}
	if !filepath.IsAbs(config.RuntimeDirectory) {
		return errors.New("runtime_dir should be absolute")
	}

	if err := os.Chdir(config.StateDirectory); err != nil {
		log.Println(err)
	}
	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

// ReadGlobals processes the top-level directives shared by every block
// (state_dir, runtime_dir, log, debug) and returns the remaining nodes
// (the queue_manager block(s)) for the caller to process.
func ReadGlobals(cfg []config.Node) (map[string]interface{}, []config.Node, error) {
	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("state_dir", false, false, DefaultStateDirectory, &config.StateDirectory)
	globals.String("runtime_dir", false, false, DefaultRuntimeDirectory, &config.RuntimeDirectory)
	globals.Custom("log", false, false, defaultLogOutput, logOutput, &log.DefaultLogger.Out)
	globals.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	return globals.Values, unknown, err
}

// moduleMain builds the queue manager(s) described by cfg, starts them,
// blocks until a termination signal arrives, then shuts them down cleanly.
func moduleMain(cfg []config.Node) error {
	globals, blocks, err := ReadGlobals(cfg)
	if err != nil {
		return err
	}

	if err := InitDirs(); err != nil {
		return err
	}
	defer log.DefaultLogger.Out.Close()

	hooks.AddHook(hooks.EventLogRotate, reinitLogging)

	lifetime := module.NewLifetime(&log.DefaultLogger)

	found := false
	for _, block := range blocks {
		if block.Name != "queue_manager" {
			continue
		}
		found = true

		instName := block.Name
		if len(block.Args) != 0 {
			instName = block.Args[0]
		}

		mgr := queuemgr.NewManager(instName)
		if err := mgr.Init(config.NewMap(globals, block)); err != nil {
			return fmt.Errorf("queue_manager %s: %w", instName, err)
		}
		lifetime.Add(mgr)
	}
	if !found {
		return errors.New("no queue_manager block found in configuration")
	}

	if err := lifetime.StartAll(); err != nil {
		return err
	}

	log.Println("tieredmqd started, listening for signals")
	handleSignals()

	log.Println("shutting down")
	hooks.RunHooks(hooks.EventShutdown)

	return lifetime.StopAll()
}
