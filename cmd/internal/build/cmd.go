// Package build carries build information stamped in with -ldflags.
package build

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Set with -ldflags "-X github.com/SB-IM/tablehub/cmd/internal/build.Version=...".
var (
	Branch    string
	Version   string
	Revision  string
	BuildUser string
	BuildDate string
)

// Command returns the info command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "info displays build information of the tablehub binary",
		Action: func(c *cli.Context) error {
			fmt.Printf(`Branch:		%s
Version:	%s
Revision:	%s
BuildUser:	%s
BuildDate:	%s
`, Branch, Version, Revision, BuildUser, BuildDate)
			return nil
		},
	}
}
