package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edusync/eduauth/internal/authstub"
	"github.com/edusync/eduauth/internal/config"
	"github.com/edusync/eduauth/password"
)

func newAuthstubCmd(g *globalFlags) *cobra.Command {
	var (
		addr         string
		publicKeyOut string
	)

	cmd := &cobra.Command{
		Use:   "authstub",
		Short: "Run the development auth service",
		Long:  "Serve login, logout and current-user endpoints backed by in-memory demo accounts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStub()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("public-key-out") {
				cfg.PublicKeyOut = publicKeyOut
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := g.logger(cmd, cfg.LogLevel, cfg.LogFormat)

			signer, publicPEM, err := loadSigner(cfg.JWT, cfg.TokenTTL)
			if err != nil {
				return err
			}
			if publicPEM != nil {
				if cfg.PublicKeyOut == "" {
					logger.Warn("signing with an ephemeral key; set --public-key-out so the web shell can verify tokens")
				} else {
					if err := os.WriteFile(cfg.PublicKeyOut, publicPEM, 0o644); err != nil {
						return fmt.Errorf("write public key: %w", err)
					}
					logger.Info("public key written", "path", cfg.PublicKeyOut)
				}
			}

			hasher, err := password.NewHasher(password.DefaultConfig())
			if err != nil {
				return err
			}
			stub, err := authstub.New(signer, hasher, logger)
			if err != nil {
				return err
			}
			if cfg.SeedDemo {
				if err := stub.SeedDemoUsers(); err != nil {
					return fmt.Errorf("seed demo accounts: %w", err)
				}
				logger.Info("demo accounts seeded", "count", len(authstub.DemoUsers))
			}

			return serveHTTP(cmd.Context(), cfg.Addr, stub.Handler(), logger, nil)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8081", "Listen address (or EDUSYNC_AUTHSTUB_ADDR)")
	cmd.Flags().StringVar(&publicKeyOut, "public-key-out", "", "Write the ephemeral public key PEM here (or EDUSYNC_AUTHSTUB_PUBLIC_KEY_OUT)")
	return cmd
}
