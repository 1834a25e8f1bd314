// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package admin implements the relay's administrative commands.  Commands
// and responses are closed sets: only the types declared here satisfy
// Command and Response.
package admin

import (
	"fmt"
	"time"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/policy"
)

// Command is an administrative command.
type Command interface {
	// Name returns the management protocol verb of the command.
	Name() string

	isCommand()
}

// SetPolicy creates or replaces a policy.
type SetPolicy struct {
	Policy *policy.Policy
}

// GetPolicy reads a policy.
type GetPolicy struct {
	PolicyName string `json:"Name"`
}

// ListPolicies reads every policy.
type ListPolicies struct{}

// RemovePolicy removes a policy.
type RemovePolicy struct {
	PolicyName string `json:"Name"`
}

// SetUserPolicy assigns a policy to a user.
type SetUserPolicy struct {
	User   identity.ID
	Policy string
}

// GetUserPolicy reads the effective policy of a user.
type GetUserPolicy struct {
	User identity.ID
}

// ListUserPolicies reads every assignment.
type ListUserPolicies struct{}

// RemoveUserPolicy removes the assignment of a user.
type RemoveUserPolicy struct {
	User identity.ID
}

// RemoveMessagesByAge removes up to Limit stored messages older than
// MaxAge.
type RemoveMessagesByAge struct {
	MaxAge time.Duration
	Limit  int
}

// RemoveUserMessages removes every message stored for a user.
type RemoveUserMessages struct {
	User identity.ID
}

// GetMessageUsage reads the storage used per recipient.
type GetMessageUsage struct{}

func (*SetPolicy) Name() string           { return "SET_POLICY" }
func (*GetPolicy) Name() string           { return "GET_POLICY" }
func (*ListPolicies) Name() string        { return "LIST_POLICIES" }
func (*RemovePolicy) Name() string        { return "REMOVE_POLICY" }
func (*SetUserPolicy) Name() string       { return "SET_USER_POLICY" }
func (*GetUserPolicy) Name() string       { return "GET_USER_POLICY" }
func (*ListUserPolicies) Name() string    { return "LIST_USER_POLICIES" }
func (*RemoveUserPolicy) Name() string    { return "REMOVE_USER_POLICY" }
func (*RemoveMessagesByAge) Name() string { return "REMOVE_MESSAGES_BY_AGE" }
func (*RemoveUserMessages) Name() string  { return "REMOVE_USER_MESSAGES" }
func (*GetMessageUsage) Name() string     { return "GET_MESSAGE_USAGE" }

func (*SetPolicy) isCommand()           {}
func (*GetPolicy) isCommand()           {}
func (*ListPolicies) isCommand()        {}
func (*RemovePolicy) isCommand()        {}
func (*SetUserPolicy) isCommand()       {}
func (*GetUserPolicy) isCommand()       {}
func (*ListUserPolicies) isCommand()    {}
func (*RemoveUserPolicy) isCommand()    {}
func (*RemoveMessagesByAge) isCommand() {}
func (*RemoveUserMessages) isCommand()  {}
func (*GetMessageUsage) isCommand()     {}

// Commands returns a zero value of every command.
func Commands() []Command {
	return []Command{
		&SetPolicy{},
		&GetPolicy{},
		&ListPolicies{},
		&RemovePolicy{},
		&SetUserPolicy{},
		&GetUserPolicy{},
		&ListUserPolicies{},
		&RemoveUserPolicy{},
		&RemoveMessagesByAge{},
		&RemoveUserMessages{},
		&GetMessageUsage{},
	}
}

// Response is the result of a Command.
type Response interface {
	isResponse()
}

// OK acknowledges a command without a result.
type OK struct{}

// Error reports a failed command.
type Error struct {
	Message string
}

// PolicyResult carries a policy, nil if there is none.
type PolicyResult struct {
	Policy *policy.Policy
}

// PolicyList carries policies.
type PolicyList struct {
	Policies []*policy.Policy
}

// UserPolicyList carries assignments.
type UserPolicyList struct {
	UserPolicies []*policy.UserPolicy
}

// RemovedMessages carries the headers of removed messages.
type RemovedMessages struct {
	Headers []*messagestore.Header
}

// UsageList carries storage usage.
type UsageList struct {
	Usage []*messagestore.Usage
}

func (*OK) isResponse()              {}
func (*Error) isResponse()           {}
func (*PolicyResult) isResponse()    {}
func (*PolicyList) isResponse()      {}
func (*UserPolicyList) isResponse()  {}
func (*RemovedMessages) isResponse() {}
func (*UsageList) isResponse()       {}

func errorResponse(err error) Response {
	return &Error{Message: err.Error()}
}

func okOrError(err error) Response {
	if err != nil {
		return errorResponse(err)
	}
	return &OK{}
}

// Execute runs cmd on behalf of authority.
func Execute(authority identity.ID, policies *policy.Store, messages messagestore.Store, cmd Command) Response {
	switch c := cmd.(type) {
	case *SetPolicy:
		if c.Policy == nil {
			return errorResponse(fmt.Errorf("%w: missing policy", policy.ErrInvalidPolicy))
		}
		return okOrError(policies.SetPolicy(authority, c.Policy))
	case *GetPolicy:
		p, err := policies.GetPolicy(authority, c.PolicyName)
		if err != nil {
			return errorResponse(err)
		}
		return &PolicyResult{Policy: p}
	case *ListPolicies:
		ps, err := policies.GetPolicies(authority)
		if err != nil {
			return errorResponse(err)
		}
		return &PolicyList{Policies: ps}
	case *RemovePolicy:
		return okOrError(policies.RemovePolicy(authority, c.PolicyName))
	case *SetUserPolicy:
		return okOrError(policies.SetUserPolicy(authority, c.User, c.Policy))
	case *GetUserPolicy:
		p, err := policies.GetUserPolicy(authority, c.User)
		if err != nil {
			return errorResponse(err)
		}
		return &PolicyResult{Policy: p}
	case *ListUserPolicies:
		ups, err := policies.GetUserPolicies(authority)
		if err != nil {
			return errorResponse(err)
		}
		return &UserPolicyList{UserPolicies: ups}
	case *RemoveUserPolicy:
		return okOrError(policies.RemoveUserPolicy(authority, c.User))
	case *RemoveMessagesByAge:
		if err := policies.AuthorizeAdmin(authority); err != nil {
			return errorResponse(err)
		}
		if c.MaxAge < 0 {
			return errorResponse(fmt.Errorf("admin: negative MaxAge %v", c.MaxAge))
		}
		hdrs, err := messages.RemoveMessages(c.MaxAge, c.Limit)
		if err != nil {
			return errorResponse(err)
		}
		return &RemovedMessages{Headers: hdrs}
	case *RemoveUserMessages:
		if err := policies.AuthorizeAdmin(authority); err != nil {
			return errorResponse(err)
		}
		return okOrError(messages.RemoveUserMessages(c.User))
	case *GetMessageUsage:
		if err := policies.AuthorizeAdmin(authority); err != nil {
			return errorResponse(err)
		}
		usage, err := messages.GetUsage()
		if err != nil {
			return errorResponse(err)
		}
		return &UsageList{Usage: usage}
	default:
		panic(fmt.Sprintf("BUG: admin: unhandled command %T", cmd))
	}
}
