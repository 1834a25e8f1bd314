// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package thwack

import (
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

// Client is a thwack client connection.
type Client struct {
	c *textproto.Conn
}

// Dial connects to the thwack server at addr and consumes the banner.
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	c := &Client{c: textproto.NewConn(conn)}
	if _, _, err = c.c.ReadResponse(int(StatusServiceReady)); err != nil {
		c.c.Close()
		return nil, err
	}
	return c, nil
}

// Command sends the command line l and returns the reply status and any
// continuation lines that preceded it.
func (c *Client) Command(l string) (StatusCode, []string, error) {
	if strings.ContainsAny(l, "\r\n") {
		return 0, nil, fmt.Errorf("thwack: command contains a line break")
	}
	if err := c.c.PrintfLine("%s", l); err != nil {
		return 0, nil, err
	}
	code, msg, err := c.c.ReadResponse(0)
	if err != nil {
		return 0, nil, err
	}
	lines := strings.Split(msg, "\n")
	return StatusCode(code), lines[:len(lines)-1], nil
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	c.Command(cmdQuit)
	return c.c.Close()
}
