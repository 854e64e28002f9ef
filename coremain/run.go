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
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dproxy-go/dproxy/mlog"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "dproxy",
	Short: "A caching DNS forwarding proxy.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start dproxy main program.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	_ = fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage dproxy as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the dproxy config.",
	}
	configCmd.AddCommand(newConfigPrintCmd())
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the dproxy version.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(Version)
		},
	})
}

func newConfigPrintCmd() *cobra.Command {
	var configFile string
	c := &cobra.Command{
		Use:   "print [-c config_file]",
		Short: "Print the effective config, defaults included.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&configFile, "config", "c", "", "config file")
	return c
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// prepareServer applies sf and loads the config.
func prepareServer(sf *serverFlags) (*Config, error) {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	if len(fileUsed) > 0 {
		mlog.L().Info("config loaded", zap.String("file", fileUsed))
	} else {
		mlog.L().Info("no config file found, using defaults")
	}
	return cfg, nil
}

func StartServer(sf *serverFlags) error {
	cfg, err := prepareServer(sf)
	if err != nil {
		return err
	}
	return RunDproxy(cfg)
}

func newLogger(cfg *Config) (*zap.Logger, error) {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return lg, nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
// If no such file exists, the defaults are used.
// The returned config has its defaults applied and is validated.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	cfg := new(Config)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		decoderOpt := func(cfg *mapstructure.DecoderConfig) {
			cfg.ErrorUnused = true
			cfg.TagName = "yaml"
			cfg.WeaklyTypedInput = true
		}
		if err := v.Unmarshal(cfg, decoderOpt); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}
