package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Fork the gateway into a detached background process",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		paths, err := daemon.DefaultPaths()
		if err != nil {
			return err
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable: %w", err)
		}

		cfg, err := config.Load(workspace)
		if err != nil {
			return fmt.Errorf("load config before starting daemon: %w", err)
		}

		pid, err := daemon.Start(paths, daemon.StartOptions{
			Executable:   exe,
			Args:         []string{"serve", "--workspace", workspace},
			WorkspaceDir: workspace,
			Addr:         cfg.Addr(),
			Version:      version,
		})
		if err != nil {
			return err
		}

		pterm.Success.Printf("gateway daemon started (pid %d, addr %s)\n", pid, cfg.Addr())
		pterm.Info.Printf("logs: %s\n", paths.LogFile)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the detached gateway daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := daemon.DefaultPaths()
		if err != nil {
			return err
		}
		if err := daemon.Stop(paths); err != nil {
			return err
		}
		pterm.Success.Println("gateway daemon stopped")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the detached gateway daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		paths, err := daemon.DefaultPaths()
		if err != nil {
			return err
		}
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable: %w", err)
		}

		pid, err := daemon.Restart(paths, daemon.StartOptions{
			Executable:   exe,
			Args:         []string{"serve", "--workspace", workspace},
			WorkspaceDir: workspace,
			Version:      version,
		})
		if err != nil {
			return err
		}
		pterm.Success.Printf("gateway daemon restarted (pid %d)\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the gateway daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := daemon.DefaultPaths()
		if err != nil {
			return err
		}
		st, err := daemon.GetStatus(paths)
		if err != nil {
			return err
		}

		if !st.Running {
			pterm.Warning.Println("gateway daemon is not running")
			return nil
		}

		pterm.Success.Printf("gateway daemon running (pid %d)\n", st.PID)
		if st.Uptime != "" {
			pterm.Info.Printf("uptime: %s\n", st.Uptime)
		}
		if st.Record != nil {
			pterm.Info.Printf("addr: %s\n", st.Record.Addr)
			pterm.Info.Printf("workspace: %s\n", st.Record.WorkspaceDir)
		}
		return nil
	},
}
