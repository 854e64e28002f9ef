/*
 * Copyright (C) 2026, dproxy authors
 *
 * This file is part of dproxy.
 *
 * dproxy is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * dproxy is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dproxy-go/dproxy/mlog"
)

var svcCfg = &service.Config{
	Name:        "dproxy",
	DisplayName: "dproxy",
	Description: "A caching DNS forwarding proxy.",
}

// serverService runs dproxy under the system service manager.
type serverService struct {
	f *serverFlags
	d *Dproxy
}

func (ss *serverService) Start(s service.Service) error {
	cfg, err := prepareServer(ss.f)
	if err != nil {
		return err
	}
	lg, err := newLogger(cfg)
	if err != nil {
		return err
	}
	d, err := NewDproxy(cfg, lg)
	if err != nil {
		return err
	}
	ss.d = d
	go func() {
		if err := d.Run(); err != nil {
			mlog.L().Error("dproxy exited", zap.Error(err))
			os.Exit(1)
		}
		os.Exit(0)
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.d != nil {
		ss.d.Close()
	}
	return nil
}

var svc service.Service

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install dproxy as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.dir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working directory, %w", err)
				}
				sf.dir = wd
			}
			absDir, err := filepath.Abs(sf.dir)
			if err != nil {
				return fmt.Errorf("cannot solve absolute working dir path, %w", err)
			}
			svcCfg.Arguments = []string{"start", "--as-service", "-d", absDir}
			if len(sf.c) > 0 {
				absConfig, err := filepath.Abs(sf.c)
				if err != nil {
					return fmt.Errorf("cannot solve absolute config path, %w", err)
				}
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", absConfig)
			}

			// svc was built before the arguments were known.
			s, err := service.New(&serverService{}, svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall dproxy from system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start dproxy system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop dproxy system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart dproxy system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of dproxy system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			cmd.Println(out)
			return nil
		},
		SilenceUsage: true,
	}
}
