package main

import (
	"errors"
	"fmt"
	"github.com/julienschmidt/httprouter"
	"github.com/spf13/cobra"

	"microkernel/pkg/admin"
	authjwt "microkernel/pkg/auth/jwt"
	"microkernel/pkg/auth/middleware"
	"microkernel/pkg/auth/rbac"
	"microkernel/pkg/config"
)

func newAdminProvider(cfg config.AdminConfig) (*authjwt.JWTProvider, error) {
	privateKey, err := readKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin private key: %w", err)
	}
	publicKey, err := readKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin public key: %w", err)
	}

	provider, err := authjwt.NewJWTProvider(&authjwt.JWTConfig{
		Name:       "admin",
		SecretKey:  cfg.SecretKey,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		Algorithm:  cfg.Algorithm,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		Expiration: cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin token provider: %w", err)
	}
	return provider, nil
}

// adminConfig exposes the stored configuration together with the dynamic
// manager that changes it.
type adminConfig struct {
	*config.ConfigManager
	*config.DynamicConfigManager
}

func (r *runtime) registerAdmin(router *httprouter.Router) error {
	a := r.app
	provider, err := newAdminProvider(a.cfg.Admin)
	if err != nil {
		return err
	}

	authMiddleware := middleware.NewAuthMiddleware(rbac.NewRBACAuthorizer(rbac.DefaultRoles()...), a.logger)
	authMiddleware.AddVerifier(provider)

	server := admin.NewServer(r.kernel, adminConfig{a.manager, r.dynamic}, authMiddleware, a.logger)
	server.Register(router)
	return nil
}

func newTokenCmd(a *app) *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for the admin API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			if len(roles) == 0 {
				return errors.New("at least one --role is required")
			}

			provider, err := newAdminProvider(a.cfg.Admin)
			if err != nil {
				return err
			}
			token, err := provider.IssueToken(args[0], roles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{rbac.RoleViewer}, "Roles granted by the token (viewer|operator|admin)")
	return cmd
}
