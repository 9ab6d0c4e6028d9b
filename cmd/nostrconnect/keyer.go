package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

var sessionID string

// useSigner returns the signer of --session, or of the active session.
func useSigner(ctx context.Context) (*signer.Signer, error) {
	sys, err := system(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		return sys.Signer(sessionID)
	}
	s, ok := sys.ActiveSigner()
	if !ok {
		return nil, fmt.Errorf("no active session, pair first or pass --session")
	}
	return s, nil
}

func withSession(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session to use instead of the active one")
	return cmd
}

// argOrStdin reads the argument at i, or stdin when it is missing or "-".
func argOrStdin(args []string, i int) (string, error) {
	if len(args) > i && args[i] != "-" {
		return args[i], nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}

func pubkeyCmd() *cobra.Command {
	return withSession(&cobra.Command{
		Use:   "pubkey",
		Short: "Print the public key the remote signer signs with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			s, err := useSigner(ctx)
			if err != nil {
				return err
			}
			pk, err := s.GetPublicKey(ctx)
			if err != nil {
				return err
			}
			fmt.Println(pk)
			return nil
		},
	})
}

func signCmd() *cobra.Command {
	var (
		kind int
		tags []string
	)
	cmd := withSession(&cobra.Command{
		Use:   "sign [content]",
		Short: "Have the remote signer sign an event and print it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			content, err := argOrStdin(args, 0)
			if err != nil {
				return err
			}
			evt := nostr.Event{Kind: kind, Content: content, Tags: nostr.Tags{}}
			for _, t := range tags {
				evt.Tags = append(evt.Tags, strings.Split(t, "="))
			}

			s, err := useSigner(ctx)
			if err != nil {
				return err
			}
			if err := s.SignEvent(ctx, &evt); err != nil {
				return err
			}
			fmt.Println(evt.String())
			return nil
		},
	})
	cmd.Flags().IntVarP(&kind, "kind", "k", 1, "event kind")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "tag as name=value[=more], can be repeated")
	return cmd
}

func cryptCmd(use string, short string, encrypt bool) *cobra.Command {
	var nip04 bool
	cmd := withSession(&cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			text, err := argOrStdin(args, 1)
			if err != nil {
				return err
			}
			s, err := useSigner(ctx)
			if err != nil {
				return err
			}
			scheme := nostrconnect.SchemeNIP44
			if nip04 {
				scheme = nostrconnect.SchemeNIP04
			}
			var out string
			if encrypt {
				out, err = s.EncryptWith(ctx, scheme, args[0], text)
			} else {
				out, err = s.DecryptWith(ctx, scheme, args[0], text)
			}
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	})
	cmd.Flags().BoolVar(&nip04, "nip04", false, "use the legacy nip04 scheme instead of nip44")
	return cmd
}

func encryptCmd() *cobra.Command {
	return cryptCmd("encrypt <recipient pubkey> [plaintext]", "Encrypt a message for someone with the remote key", true)
}

func decryptCmd() *cobra.Command {
	return cryptCmd("decrypt <sender pubkey> [ciphertext]", "Decrypt a message someone sent to the remote key", false)
}

func pingCmd() *cobra.Command {
	return withSession(&cobra.Command{
		Use:   "ping",
		Short: "Check the remote signer is answering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			s, err := useSigner(ctx)
			if err != nil {
				return err
			}
			if err := s.Ping(ctx); err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		},
	})
}
