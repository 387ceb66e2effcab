package main

import (
	"fmt"
	"os"

	"github.com/go-i2p/go-shield/lib/crypto/sig"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/protocol"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newKeygenCmd() *cobra.Command {
	var (
		out    string
		rotate bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the node identity, or rotate its signing key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = viper.GetString("crypto.key_file")
			}
			scheme, err := sig.ByName(viper.GetString("crypto.signature"))
			if err != nil {
				return err
			}
			id, err := keygen(out, scheme, rotate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %x\n", id.ID, id.Current().Public().Marshal())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "key file (default crypto.key_file)")
	cmd.Flags().BoolVar(&rotate, "rotate", false, "replace the signing key of an existing identity, keeping the old one")
	return cmd
}

// keygen creates a new identity at path, or with rotate replaces the
// signing key of the existing one.
func keygen(path string, scheme types.SignatureScheme, rotate bool) (*protocol.Identity, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil
	switch {
	case rotate && !exists:
		return nil, oops.Errorf("no identity at %s to rotate", path)
	case !rotate && exists:
		return nil, oops.Errorf("identity already exists at %s, use --rotate", path)
	}

	if !rotate {
		id, err := protocol.GenerateIdentity(scheme)
		if err != nil {
			return nil, err
		}
		return id, id.Save(path)
	}

	id, err := protocol.LoadIdentity(path)
	if err != nil {
		return nil, err
	}
	next, err := scheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	id.Rotate(next)
	return id, id.Save(path)
}
