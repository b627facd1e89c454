package tieredmqcli

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/foxcpp/tieredmq/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "variable-capacity paging message queue engine"
	app.Description = `tieredmq pages queued messages between RAM and disk as a single process,
driving the five-tier (alpha/beta/gamma/delta) paging state machine described
by its design docs.

This executable can be used to start the daemon ('run') and to inspect or
administer the queues it manages (all other subcommands).
`
	app.Authors = []*cli.Author{
		{
			Name:  "tieredmq maintainers & contributors",
			Email: "tieredmq@example.invalid",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)

	if cmd.Name == "run" {
		// Allow starting the daemon as just ./tieredmqd with no subcommand.
		// Needs to be done here so we will register all known flags with
		// stdlib before Run is called.
		app.Action = func(c *cli.Context) error {
			return cmd.Action(c)
		}
		app.Flags = append(app.Flags, cmd.Flags...)
		for _, f := range cmd.Flags {
			if err := f.Apply(flag.CommandLine); err != nil {
				log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
			}
		}
	}
}

func Run() {
	// Actual entry point is registered by the cmd/ package's main().

	// Print help when called via tieredmqctl executable with no arguments.
	if strings.Contains(os.Args[0], "tieredmqctl") && len(os.Args) == 1 {
		if err := app.Run([]string{os.Args[0], "help"}); err != nil {
			log.DefaultLogger.Error("app.Run failed", err)
		}
		return
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
