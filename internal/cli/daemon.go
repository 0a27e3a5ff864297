// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ovis-hpc/ldmsd/internal/controller"
)

// allPlugins is the --usage value when no plugin name is given.
const allPlugins = "all"

// NewDaemonCommand creates the ldmsd root command.
func NewDaemonCommand() *cobra.Command {
	var (
		opts        controller.RunOptions
		usage       string
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:   "ldmsd",
		Short: "LDMS daemon",
		Long: `ldmsd loads sampler and store plugins and is configured through
configuration files and its control sockets.

Configuration files given with -c are replayed in order before the
control sockets accept connections; the first failing line stops the
daemon. The same commands can be sent later with ldmsctl.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, c, b := GetVersion()
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "LDMSD Version: %s (commit: %s, built: %s)\n", v, c, b)
				return nil
			}
			if cmd.Flags().Changed("usage") {
				name := usage
				if name == allPlugins {
					name = ""
				}
				return controller.ListUsage(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, name)
			}

			opts.Version, opts.Commit, opts.BuildDate = v, c, b
			return controller.Run(opts)
		},
	}

	f := cmd.Flags()
	f.SetNormalizeFunc(normalizeFlagName)
	f.StringVar(&opts.ConfigPath, "settings", "", "Daemon settings YAML file")
	f.StringArrayVarP(&opts.ConfigFiles, "config", "c", nil, "Configuration command file (repeatable)")
	f.StringVarP(&opts.SocketPath, "sockname", "S", "", "Unix control socket path")
	f.IntVarP(&opts.TCPPort, "port", "p", 0, "TCP control port (0 disables)")
	f.StringVarP(&opts.SecretFile, "secret-file", "a", "", "Shared secret file for the TCP control port")
	f.StringVarP(&opts.PluginLibPath, "libpath", "L", "", "Colon-separated plugin library path")
	f.StringVarP(&opts.LogLevel, "loglevel", "v", "", "Log level (debug, info, warn, error, critical, quiet)")
	f.StringVarP(&opts.LogFile, "logfile", "l", "", "Log file (default stderr)")
	f.StringVarP(&opts.PIDFile, "pidfile", "r", "", "PID file")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Address for the /metrics HTTP listener")
	f.StringVarP(&usage, "usage", "u", "", "Print plugin usage (all plugins, or the named one) and exit")
	f.Lookup("usage").NoOptDefVal = allPlugins
	f.BoolVarP(&showVersion, "version", "V", false, "Print the version and exit")

	return cmd
}
