package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/katzenpost/relay/core/thwack"
	"github.com/katzenpost/relay/server/admin"
)

func newAdminCommand() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "admin <command> [json arguments]",
		Short: "Run an admin command over the management interface",
		Long: `Run an admin command on a running relay over its management socket, and
print the result as JSON.  Commands run as the root authority.

Commands: ` + commandNames(),
		Example: `  relay admin -s /var/lib/relay/management_sock LIST_POLICIES
  relay admin -s /var/lib/relay/management_sock SET_USER_POLICY '{"User":"...","Policy":"default"}'
  relay admin -s /var/lib/relay/management_sock REMOVE_MESSAGES_BY_AGE '{"MaxAge":86400000000000}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
			}
			adminCmd, err := admin.ParseCommand(args[0], raw)
			if err != nil {
				return err
			}
			l, err := admin.FormatCommand(adminCmd)
			if err != nil {
				return err
			}

			c, err := thwack.Dial("unix", socket)
			if err != nil {
				return fmt.Errorf("failed to connect to the management interface: %v", err)
			}
			defer c.Close()
			status, lines, err := c.Command(l)
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				return fmt.Errorf("%v: %d", adminCmd.Name(), status)
			}
			resp, err := admin.UnmarshalResponse([]byte(strings.Join(lines, "")))
			if err != nil {
				return err
			}
			if e, ok := resp.(*admin.Error); ok {
				return e
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&socket, "socket", "s", "management_sock", "path to the management socket")
	return cmd
}

func commandNames() string {
	var names []string
	for _, c := range admin.Commands() {
		names = append(names, c.Name())
	}
	return strings.Join(names, ", ")
}
