// Package management exposes the admin commands on the management
// interface.
package management

import (
	"github.com/katzenpost/relay/core/thwack"
	"github.com/katzenpost/relay/server/admin"
	"github.com/katzenpost/relay/server/internal/glue"
)

// Register adds a handler for every admin command to the management
// interface.  Commands run with the root authority; access is controlled
// by the permissions of the socket.
func Register(glue glue.Glue) {
	mgmt := glue.Management()
	for _, cmd := range admin.Commands() {
		verb := cmd.Name()
		mgmt.RegisterCommand(verb, func(c *thwack.Conn, args string) error {
			return onCommand(glue, c, verb, args)
		})
	}
}

func onCommand(glue glue.Glue, c *thwack.Conn, verb, args string) error {
	cmd, err := admin.ParseCommand(verb, []byte(args))
	if err != nil {
		c.Log().Debugf("%v: %v", verb, err)
		return c.WriteReply(thwack.StatusSyntaxError)
	}

	policies := glue.Policies()
	resp := admin.Execute(policies.Root(), policies, glue.Messages(), cmd)
	b, err := admin.MarshalResponse(resp)
	if err != nil {
		c.Log().Errorf("%v: failed to encode response: %v", verb, err)
		return c.WriteReply(thwack.StatusTransactionFailed)
	}

	status := thwack.StatusOk
	if e, ok := resp.(*admin.Error); ok {
		c.Log().Warningf("%v failed: %v", verb, e)
		status = thwack.StatusTransactionFailed
	} else {
		c.Log().Noticef("%v completed", verb)
	}
	return c.WriteData(status, string(b))
}
