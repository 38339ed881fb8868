package cmd

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grovedb/grove/internal/ninep"
)

// NewLsCmd returns the ls subcommand.
func NewLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a path on a running server",
		Long: `Connect to a server over 9P and list the named path, or the
namespace root when no path is given. Any 9P client can do the same;
this one is just always at hand.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLs,
	}
	cmd.Flags().String("addr", "localhost:5640", "server address")
	return cmd
}

func runLs(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	c := ninep.NewClient(conn)
	defer c.Close()
	if err := c.Negotiate(0); err != nil {
		return err
	}

	fid, err := c.Attach(userName(), "")
	if err != nil {
		return err
	}
	if len(args) == 1 {
		names := strings.FieldsFunc(args[0], func(r rune) bool { return r == '/' })
		if len(names) > 0 {
			if fid, err = fid.Walk(names...); err != nil {
				return err
			}
		}
	}

	st, err := fid.Stat()
	if err != nil {
		return err
	}
	if st.Qid.Type&ninep.QTDIR == 0 {
		fmt.Printf("%s\t%d\n", st.Name, st.Length)
		return nil
	}

	if err := fid.Open(ninep.OREAD); err != nil {
		return err
	}
	entries, err := fid.ReadDir()
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name
		if e.Qid.Type&ninep.QTDIR != 0 {
			name += "/"
		}
		fmt.Printf("%s\t%d\n", name, e.Length)
	}
	return nil
}

// userName is the uname presented at attach, cosmetic only.
func userName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "grove"
}
