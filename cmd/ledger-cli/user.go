package main

import (
	"fmt"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/services/accounts"

	"github.com/spf13/cobra"
)

func newUserCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(newUserCreateCmd(g))
	return cmd
}

// user create：库中没有任何用户时创建首个 admin，否则需要 --as 指定有 manage_users 的用户。
func newUserCreateCmd(g *globalOpts) *cobra.Command {
	var in accounts.CreateInput
	var role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user (the first user becomes admin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, g)
			if err != nil {
				return err
			}
			defer env.Close()
			ctx := cmd.Context()

			n, err := env.store.CountUsers(ctx)
			if err != nil {
				return err
			}
			svc := accounts.New(env.store, env.log)

			var (
				u     *model.User
				actor model.Actor
			)
			if n == 0 {
				u, err = svc.Bootstrap(ctx, in.Username, in.Password)
				if err != nil {
					return err
				}
				actor = model.Actor{UserID: u.UserID, Username: u.Username, Role: u.Role}
			} else {
				actor, err = env.actor(ctx, g.as)
				if err != nil {
					return err
				}
				in.Role = model.Role(role)
				u, err = svc.Create(ctx, actor, in)
				if err != nil {
					return err
				}
			}
			env.audit(ctx, actor, "create", "user", u.UserID, map[string]any{"username": u.Username, "role": u.Role})

			fmt.Fprintf(cmd.OutOrStdout(), "user created: user_id=%s username=%s role=%s\n", u.UserID, u.Username, u.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Username, "username", "", "login name (required)")
	cmd.Flags().StringVar(&in.Password, "password", "", "initial password (required)")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.FullName, "full-name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(model.RoleInvestigator), "admin|manager|investigator")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
