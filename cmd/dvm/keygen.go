package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iago/llm-dvm/internal/nostr"
)

var keygenJSON bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a fresh provider identity",
	Long:  "Generate a secp256k1 key pair. Store the private key in DVM_IDENTITY_PRIVATE_KEY or the settings file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := nostr.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate key pair: %w", err)
		}

		out := cmd.OutOrStdout()
		if keygenJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(map[string]string{
				"private_key": keys.PrivateKeyHex,
				"public_key":  keys.PublicKeyHex,
			})
		}
		fmt.Fprintf(out, "private key: %s\npublic key:  %s\n", keys.PrivateKeyHex, keys.PublicKeyHex)
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenJSON, "json", false, "print the key pair as JSON")
}
