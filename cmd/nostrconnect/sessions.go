package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/engine"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func inviteCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Create a nostrconnect:// link for a remote signer to scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			sys, err := system(ctx)
			if err != nil {
				return err
			}

			inv, err := sys.Service().CreateInvitation(ctx, engine.InvitationOptions{
				Relays:      cfg.Relays,
				Permissions: nostrconnect.ParsePermissions(cfg.Perms),
				Metadata:    nostrconnect.AppMetadata{Name: cfg.AppName},
			})
			if err != nil {
				return err
			}
			fmt.Println(inv.URI)
			if !wait {
				return nil
			}

			fmt.Fprintln(os.Stderr, "waiting for the remote signer...")
			for snap := range sys.Subscribe(ctx) {
				sess, ok := snap.Find(inv.Session.ID)
				if !ok {
					return fmt.Errorf("session %s is gone", inv.Session.ID)
				}
				switch sess.Status {
				case nostrconnect.StatusActive:
					if sess.UserPubkey == "" {
						continue
					}
					fmt.Fprintf(os.Stderr, "paired with %s, signing as %s\n", sess.RemoteSignerPubkey, sess.UserPubkey)
					return nil
				case nostrconnect.StatusError:
					if sess.RemoteSignerPubkey == "" {
						return fmt.Errorf("%s", sess.LastError)
					}
				}
			}
			return ctx.Err()
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the remote signer has answered")
	return cmd
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <bunker://...>",
		Short: "Pair with a remote signer from its bunker:// link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			sys, err := system(ctx)
			if err != nil {
				return err
			}
			res, err := sys.Service().PairWithURI(ctx, args[0], engine.PairOptions{
				Permissions: nostrconnect.ParsePermissions(cfg.Perms),
				Metadata:    nostrconnect.AppMetadata{Name: cfg.AppName},
			})
			if err != nil {
				return err
			}
			if !res.Created {
				fmt.Fprintln(os.Stderr, "reusing existing session")
			}
			fmt.Println(res.Session.ID)
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List stored sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := system(cmd.Context())
			if err != nil {
				return err
			}
			snap := sys.Snapshot()
			if asJSON {
				// key material stays out of the output
				out := make([]nostrconnect.Session, len(snap.Sessions))
				for i, sess := range snap.Sessions {
					sess.ClientSecretKey = ""
					sess.Secret = ""
					out[i] = sess
				}
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"active":   snap.ActiveSessionID,
					"sessions": out,
				})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tSTATUS\tUSER\tREMOTE SIGNER\tUPDATED\tERROR")
			for _, sess := range snap.Sessions {
				mark := ""
				if sess.ID == snap.ActiveSessionID {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", mark, sess.ID, sess.Status,
					short(sess.UserPubkey), short(sess.RemoteSignerPubkey),
					sess.Updated().Format(time.DateTime), sess.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as json")
	return cmd
}

func short(pubkey string) string {
	if len(pubkey) < 16 {
		return pubkey
	}
	return pubkey[:8] + "…" + pubkey[len(pubkey)-8:]
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <session>",
		Short: "Send connect on a session that isn't active yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			sys, err := system(ctx)
			if err != nil {
				return err
			}
			return sys.Service().ConnectSession(ctx, args[0])
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <session>",
		Short: "Reconnect a failed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			sys, err := system(ctx)
			if err != nil {
				return err
			}
			return sys.Service().RetrySession(ctx, args[0])
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <session>...",
		Short: "Forget sessions and wipe their keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := system(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := sys.Service().RevokeSession(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate [session]",
		Short: "Choose the session used when none is given; no argument clears it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := system(cmd.Context())
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return sys.Activate(id)
		},
	}
}

func cleanupCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove invitations nobody answered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := system(cmd.Context())
			if err != nil {
				return err
			}
			n, err := sys.Service().CleanupStale(cmd.Context(), maxAge)
			fmt.Fprintf(os.Stderr, "removed %d sessions\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&maxAge, "older-than", time.Hour, "minimum age of the invitations to remove")
	return cmd
}
