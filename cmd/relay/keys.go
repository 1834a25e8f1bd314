// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/utils"
)

func newGenKeyCommand() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a user key pair",
		Long: `Generate an Ed25519 key pair, written as PEM to <prefix>.private.pem
and <prefix>.public.pem, and print the identity derived from it.  Existing
files are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			privFile, pubFile := prefix+".private.pem", prefix+".public.pem"
			if !utils.NoneExist(privFile, pubFile) {
				return fmt.Errorf("refusing to overwrite %s or %s", privFile, pubFile)
			}
			_, pk, err := keys.LoadOrGenerate(privFile, pubFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.FromPublicKey(pk))
			return nil
		},
	}
	cmd.Flags().StringVarP(&prefix, "out", "o", "identity", "output file prefix")
	return cmd
}

func newIdentityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "identity <public key file>",
		Short: "Print the identity of a public key",
		Long: `Print the identity of a PEM encoded public key, in the form used by the
Policy and UserPolicy configuration and the admin commands.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := keys.LoadPublicKeyFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.FromPublicKey(pk))
			return nil
		},
	}
}
