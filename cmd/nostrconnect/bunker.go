package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/engine"
	"github.com/blossomkit/nostrconnect/remotesigner"
	"github.com/blossomkit/nostrconnect/sdk"
	"github.com/blossomkit/nostrconnect/transport/loopback"
	"github.com/blossomkit/nostrconnect/transport/relaypool"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"
)

// secretKeyFrom accepts a hex or nsec secret key.
func secretKeyFrom(s string) (string, error) {
	if prefix, value, err := nip19.Decode(s); err == nil && prefix == "nsec" {
		return value.(string), nil
	}
	if _, err := nostr.GetPublicKey(s); err != nil {
		return "", fmt.Errorf("invalid secret key")
	}
	return s, nil
}

func bunkerCmd() *cobra.Command {
	var (
		sec    string
		secret string
		accept []string
	)
	cmd := &cobra.Command{
		Use:   "bunker",
		Short: "Act as a remote signer for the given key until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()

			if sec == "" {
				sec = os.Getenv("NOSTRCONNECT_BUNKER_SEC")
			}
			if sec == "" {
				return fmt.Errorf("a key to sign with is required (--sec or NOSTRCONNECT_BUNKER_SEC)")
			}
			user, err := secretKeyFrom(sec)
			if err != nil {
				return err
			}

			p, err := remotesigner.New(nostr.GeneratePrivateKey(), user, relaypool.New(ctx), cfg.Relays)
			if err != nil {
				return err
			}
			p.Secret = secret
			if err := p.Start(ctx); err != nil {
				return err
			}
			defer p.Stop()

			for _, uri := range accept {
				if err := p.AcceptInvitation(ctx, uri); err != nil {
					return fmt.Errorf("failed to answer %s: %w", uri, err)
				}
			}

			fmt.Println(p.BunkerURI())
			<-ctx.Done()
			fmt.Fprintf(os.Stderr, "handled %d requests\n", p.Handled())
			return nil
		},
	}
	cmd.Flags().StringVar(&sec, "sec", "", "hex or nsec key to sign with")
	cmd.Flags().StringVar(&secret, "secret", "", "secret clients must present on connect")
	cmd.Flags().StringArrayVar(&accept, "accept", nil, "nostrconnect:// link to answer right away, can be repeated")
	return cmd
}

// demoCmd pairs an in-memory client with an in-memory remote signer over a loopback hub and
// signs one event, without touching the network or the disk.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a complete pairing and signing round locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			hub := loopback.New()
			relays := []string{"wss://loopback.invalid"}
			remote, err := remotesigner.New(nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey(), hub, relays)
			if err != nil {
				return err
			}
			if err := remote.Start(ctx); err != nil {
				return err
			}
			defer remote.Stop()

			demo, err := sdk.NewSystem(ctx, sdk.Config{Transport: hub, AutoActivate: true, Engine: engine.DefaultOptions()})
			if err != nil {
				return err
			}
			defer demo.Close(context.Background())

			inv, err := demo.Service().CreateInvitation(ctx, engine.InvitationOptions{
				Relays:   relays,
				Metadata: nostrconnect.AppMetadata{Name: cfg.AppName},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "invitation:", inv.URI)
			if err := remote.AcceptInvitation(ctx, inv.URI); err != nil {
				return err
			}

			for snap := range demo.Subscribe(ctx) {
				if snap.ActiveSessionID == "" {
					continue
				}
				s, _ := demo.ActiveSigner()
				evt := nostr.Event{Kind: 1, Content: "hello from " + cfg.AppName}
				if err := s.SignEvent(ctx, &evt); err != nil {
					return err
				}
				fmt.Println(evt.String())
				return nil
			}
			return ctx.Err()
		},
	}
}
