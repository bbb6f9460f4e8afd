package main

import (
	"fmt"

	"github.com/filemesh/filemesh/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServiceCmd() *cobra.Command {
	var (
		role  string
		name  string
		user  string
		force bool
	)
	serviceConfig := func() (svc.Config, error) {
		if err := svc.ValidateRole(role); err != nil {
			return svc.Config{}, err
		}
		return svc.Config{Role: role, Name: name, ConfigPath: cfgFile, UserName: user}, nil
	}

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage filemesh as a system service",
		Long: `Install and control a tracker or storage node as a system service
(systemd, launchd or the Windows service manager).

Examples:
  sudo filemesh service install --role storage -c /etc/filemesh/storage.yaml
  sudo filemesh service start --role storage
  filemesh service status --role tracker`,
	}
	serviceCmd.PersistentFlags().StringVar(&role, "role", svc.RoleStorage, "service role: tracker or storage")
	serviceCmd.PersistentFlags().StringVar(&name, "name", "", "service name (default filemesh-<role>)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			if err := svc.Install(cfg, force); err != nil {
				return err
			}
			log.Info().Str("role", role).Msg("service installed")
			return nil
		},
	}
	installCmd.Flags().StringVar(&user, "user", "", "user to run the service as (Linux/macOS)")
	installCmd.Flags().BoolVar(&force, "force", false, "reinstall if already installed")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			return svc.Uninstall(cfg)
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := serviceConfig()
				if err != nil {
					return err
				}
				return svc.Control(cfg, action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			status, err := svc.Status(cfg)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Role, status)
			return nil
		},
	})

	return serviceCmd
}

// runAsService is the entry point when the service manager starts the
// binary.
func runAsService(role, configPath string) {
	logLevel = "info"
	setupLogging()

	serve := serveStorage
	if role == svc.RoleTracker {
		serve = serveTracker
	}
	if err := svc.Run(svc.Config{Role: role, ConfigPath: configPath}, serve); err != nil {
		log.Fatal().Err(err).Str("role", role).Msg("service failed")
	}
}
