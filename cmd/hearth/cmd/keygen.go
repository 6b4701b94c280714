package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hearthfed/hearth/crypto"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 issuer keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := crypto.GenerateKeypair()
		if err != nil {
			return err
		}
		if err := crypto.SaveIssuerKey(keygenOut, priv); err != nil {
			return err
		}
		pubPEM, err := crypto.EncodePublicKeyPEM(pub)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote issuer key to %s\n\n%s", keygenOut, pubPEM)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "./data/issuer.pem", "Where to write the private key")
}
