package main

import (
	"context"
	"errors"
	"net/netip"

	"github.com/go-i2p/go-shield/lib/clock"
	"github.com/go-i2p/go-shield/lib/config"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/protocol"
	"github.com/go-i2p/go-shield/lib/server"
	"github.com/go-i2p/go-shield/lib/store"
	"github.com/go-i2p/go-shield/lib/util"
	"github.com/go-i2p/go-shield/lib/util/signals"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := config.NewShieldConfigFromViper()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), sc)
		},
	}
	cmd.Flags().String("listen", "", "override server.listen")
	cmd.Flags().String("public-addr", "", "override server.public_addr")
	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("server.public_addr", cmd.Flags().Lookup("public-addr"))
	return cmd
}

func openStore(sc *config.ShieldConfig) (*store.Users, error) {
	if sc.StorePath == "" {
		return store.OpenMemory()
	}
	return store.Open(sc.StorePath, sc.StoreMiB)
}

func serve(ctx context.Context, sc *config.ShieldConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer util.CloseAll()

	id, err := protocol.LoadOrCreateIdentity(sc.KeyFile, sc.Signature)
	if err != nil {
		return err
	}
	users, err := openStore(sc)
	if err != nil {
		return err
	}
	util.RegisterCloser(users)

	srv, err := server.Listen(sc.Server)
	if err != nil {
		return err
	}
	util.RegisterCloser(srv)

	clk := clock.New()
	h, err := protocol.NewHandler(protocol.Options{
		Config:   sc.Protocol,
		Identity: id,
		Hasher:   sc.Hasher,
		Sender:   srv,
		Store:    users,
		Now:      clk.Now,
		OnData: func(uid packet.UserID, src netip.AddrPort, data []byte) {
			log.WithFields(logger.Fields{
				"uid":   uid.String(),
				"src":   src.String(),
				"bytes": len(data),
			}).Info("session_data")
		},
	})
	if err != nil {
		return err
	}
	if _, err := users.LoadInto(h.UserGuard()); err != nil {
		return err
	}
	for _, a := range sc.Whitelist {
		h.AddressGuard().Whitelist(a)
	}

	notifier := signals.New()
	notifier.OnReload(func() {
		if _, err := users.LoadInto(h.UserGuard()); err != nil {
			log.WithError(err).Warn("user_reload_failed")
		}
	})

	log.WithFields(logger.Fields{
		"uid":    id.ID.String(),
		"key":    id.Current().Public().String(),
		"listen": srv.LocalAddr().String(),
		"public": sc.Protocol.PublicAddr.String(),
	}).Info("node_started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx, h) })
	g.Go(func() error { return notifier.Run(ctx) })
	if sc.NTPEnabled {
		syncer := clock.NewSyncer(sc.NTP, clk, nil)
		g.Go(func() error { return syncer.Run(ctx) })
	}
	err = g.Wait()
	if errors.Is(err, signals.ErrInterrupted) {
		log.Info("node_stopped")
		return nil
	}
	return err
}
