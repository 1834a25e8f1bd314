// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned when parsing an unknown verb.
var ErrUnknownCommand = errors.New("admin: unknown command")

// NewCommand returns a zero value of the command named verb.
func NewCommand(verb string) (Command, error) {
	verb = strings.ToUpper(verb)
	for _, cmd := range Commands() {
		if cmd.Name() == verb {
			return cmd, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, verb)
}

// ParseCommand decodes the JSON arguments args of the command named verb.
// Empty arguments leave the command zero valued.
func ParseCommand(verb string, args []byte) (Command, error) {
	cmd, err := NewCommand(verb)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return cmd, nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err = dec.Decode(cmd); err != nil {
		return nil, fmt.Errorf("admin: %v: invalid arguments: %v", cmd.Name(), err)
	}
	return cmd, nil
}

// FormatCommand returns the single line form of cmd, its verb followed by
// its JSON arguments.
func FormatCommand(cmd Command) (string, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}
	return cmd.Name() + " " + string(b), nil
}

type responseEnvelope struct {
	Type string
	Body json.RawMessage
}

func responseType(r Response) string {
	switch r.(type) {
	case *OK:
		return "OK"
	case *Error:
		return "Error"
	case *PolicyResult:
		return "PolicyResult"
	case *PolicyList:
		return "PolicyList"
	case *UserPolicyList:
		return "UserPolicyList"
	case *RemovedMessages:
		return "RemovedMessages"
	case *UsageList:
		return "UsageList"
	default:
		panic(fmt.Sprintf("BUG: admin: unhandled response %T", r))
	}
}

func newResponse(typ string) (Response, error) {
	switch typ {
	case "OK":
		return &OK{}, nil
	case "Error":
		return &Error{}, nil
	case "PolicyResult":
		return &PolicyResult{}, nil
	case "PolicyList":
		return &PolicyList{}, nil
	case "UserPolicyList":
		return &UserPolicyList{}, nil
	case "RemovedMessages":
		return &RemovedMessages{}, nil
	case "UsageList":
		return &UsageList{}, nil
	}
	return nil, fmt.Errorf("admin: unknown response type %q", typ)
}

// MarshalResponse encodes r as a single line of JSON.
func MarshalResponse(r Response) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&responseEnvelope{
		Type: responseType(r),
		Body: body,
	})
}

// UnmarshalResponse decodes a response encoded by MarshalResponse.
func UnmarshalResponse(b []byte) (Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("admin: invalid response: %v", err)
	}
	r, err := newResponse(env.Type)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(env.Body, r); err != nil {
		return nil, fmt.Errorf("admin: invalid %v response: %v", env.Type, err)
	}
	return r, nil
}

func (e *Error) Error() string {
	return e.Message
}
