package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
)

var hashKeyArgon2 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a stored hash for an API key",
	Long: `Generate the stored hash of an API key for use in the key file.

By default the output is "sha256:<hex>", which resolves on the fast
path. With --argon2 the output is an argon2id PHC string, which is
slower to verify but resistant to offline cracking of leaked key files.

Example:
  sark hash-key "sark_my-secret-key"
  # Output: sha256:7d5e8c...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  sark hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon2 {
			hash, err := principal.HashKeyArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Println(principal.HashKey(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2, "argon2", false, "produce an argon2id hash instead of sha256")
	rootCmd.AddCommand(hashKeyCmd)
}
