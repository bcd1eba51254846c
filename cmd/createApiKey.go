package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/auth"
	"github.com/AvaProtocol/ap-wallet/core/config"
)

var (
	apiKeyRoles []string
	apiKeyTTL   time.Duration

	createApiKey = &cobra.Command{
		Use:   "create-api-key",
		Short: "Create a JWT key for the HTTP gateway",
		Long: `Create a JWT signed with gateway.jwt_secret that lets a service call the
gateway. An admin key can submit operations, a readonly key can only query.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig(configPath)
			if err != nil {
				return err
			}

			roles := make([]auth.ApiRole, 0, len(apiKeyRoles))
			for _, r := range apiKeyRoles {
				role := auth.ApiRole(r)
				if role != auth.AdminRole && role != auth.ReadonlyRole {
					return fmt.Errorf("unknown role %q, use %s or %s", r, auth.AdminRole, auth.ReadonlyRole)
				}
				roles = append(roles, role)
			}

			token, err := auth.IssueToken([]byte(cfg.Gateway.JWTSecret), auth.ApiKeySubject, roles, apiKeyTTL)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
)

func init() {
	createApiKey.Flags().StringArrayVar(&apiKeyRoles, "role", []string{string(auth.ReadonlyRole)}, "Role for API Key")
	createApiKey.Flags().DurationVar(&apiKeyTTL, "ttl", 30*24*time.Hour, "How long the key is valid")
	rootCmd.AddCommand(createApiKey)
}
