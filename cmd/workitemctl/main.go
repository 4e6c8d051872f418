package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "seed", "Seed a work item into the input queue", `
Seed a new PENDING work item into the configured input queue, with an
optional payload, parent, idempotency callid, and file attachments.
`, &cmdSeed{})

	addCmd(parser, "recover", "Recover orphaned work items", `
Return RESERVED work items whose reservation is older than the orphan
timeout to PENDING, so abandoned work becomes reservable again.
`, &cmdRecover{})

	addCmd(parser, "check", "Inspect a SQLite work-item database", `
Report the schema version, per-state work item counts, and attachment
count of a SQLite work-item database.
`, &cmdCheck{})

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(flagErr.Message)
			os.Exit(0)
		}
		log.WithField("err", err).Fatal("command failed")
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		log.WithField("err", err).Fatal("failed to add flags parser command")
	}
	return cmd
}
