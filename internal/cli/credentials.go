package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"alarm-trader/internal/logging"
	"alarm-trader/internal/security"
)

func newCredentialsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the encrypted credentials vault",
		Long: fmt.Sprintf(`Move credentials.toml into the encrypted %s vault and inspect it.

The vault password is read from %s, or prompted for when that is unset.
Once the vault exists, set %s when running the trader so it is used.`,
			security.VaultFile, security.PasswordEnv, security.PasswordEnv),
		Annotations: map[string]string{skipConfig: "true"},
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "seal",
		Short:       "Encrypt credentials.toml into the vault and delete the plain file",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			pw, err := vaultPassword(cmd)
			if err != nil {
				return err
			}

			vault := security.NewVault(app.ConfigDir)
			if err := vault.Migrate(pw, app.ConfigDir); err != nil {
				return err
			}
			logger := logging.FromContext(commandContext(cmd))
			logger.Info().Str("vault", vault.Path()).Msg("Credentials sealed")

			if output.IsJSON() {
				return output.JSON(map[string]string{"vault": vault.Path()})
			}
			output.Success("Credentials sealed into %s", vault.Path())
			output.Dim("Set %s before 'alarm-trader run' to use them", security.PasswordEnv)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "status",
		Short:       "Check that the vault opens and list what it holds, masked",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			vault := security.NewVault(app.ConfigDir)
			if !vault.Exists() {
				if output.IsJSON() {
					return output.JSON(map[string]bool{"sealed": false})
				}
				output.Warning("No vault at %s, credentials.toml is used", vault.Path())
				return nil
			}

			pw, err := vaultPassword(cmd)
			if err != nil {
				return err
			}
			creds, err := vault.Open(pw)
			if err != nil {
				return err
			}

			keys := make([]string, len(creds.Provider.APIKeys))
			for i, k := range creds.Provider.APIKeys {
				keys[i] = security.MaskCredential(k)
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"sealed":   true,
					"api_keys": keys,
					"telegram": creds.Telegram.BotToken != "",
				})
			}
			output.Success("Vault %s opens", vault.Path())
			output.Printf("  API keys:  %s\n", strings.Join(keys, ", "))
			output.Printf("  Telegram:  %v\n", creds.Telegram.BotToken != "")
			return nil
		},
	})

	return cmd
}

// vaultPassword reads the password from the environment or one line of stdin.
func vaultPassword(cmd *cobra.Command) (string, error) {
	if pw := os.Getenv(security.PasswordEnv); pw != "" {
		return pw, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Vault password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading vault password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("vault password must not be empty")
	}
	return pw, nil
}
