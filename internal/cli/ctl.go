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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ovis-hpc/ldmsd/internal/client"
	"github.com/ovis-hpc/ldmsd/internal/config"
	"github.com/ovis-hpc/ldmsd/internal/request"
	"github.com/ovis-hpc/ldmsd/internal/rpc"
)

// Sender sends one command line to the daemon.
type Sender interface {
	Send(ctx context.Context, line string) (client.Reply, error)
}

// Session feeds command lines to a daemon and prints each reply as
// "<code> <message>".
type Session struct {
	Sender Sender
	Out    io.Writer

	// Prompt is printed before each statement. A session with a prompt
	// keeps going after a failing command.
	Prompt string

	// MaxLineLen bounds one physical input line.
	MaxLineLen int
}

// RunLine sends one statement and prints the reply. A rejected command
// is returned as an ExitError after its reply is printed.
func (s *Session) RunLine(ctx context.Context, line string) error {
	reply, err := s.Sender.Send(ctx, line)
	if errors.Is(err, client.ErrInvalidCommand) {
		fmt.Fprintf(s.Out, "%v\n", err)
		return NewCommandError(err)
	}
	if err != nil {
		return NewConnectError(err)
	}
	fmt.Fprintln(s.Out, reply.String())
	if reply.Code != 0 {
		return NewCommandError(reply.Err())
	}
	return nil
}

// Run reads statements from r until EOF or "quit". Comments and
// backslash continuations are handled as in a configuration file.
func (s *Session) Run(ctx context.Context, r io.Reader) error {
	sc := request.NewLineScanner(r, s.MaxLineLen)
	for {
		if s.Prompt != "" {
			fmt.Fprint(s.Out, s.Prompt)
		}
		if !sc.Scan() {
			break
		}
		stmt := strings.TrimSpace(sc.Statement())
		if stmt == "quit" {
			return nil
		}

		err := s.RunLine(ctx, stmt)
		if err == nil {
			continue
		}
		if s.Prompt == "" || ExitCode(err) == ExitConnectFailed {
			return err
		}
	}
	if s.Prompt != "" {
		fmt.Fprintln(s.Out)
	}
	return sc.Err()
}

type controlOptions struct {
	sockname   string
	host       string
	port       int
	secretFile string
	askSecret  bool
	timeout    time.Duration
}

func (o *controlOptions) dialOptions(in *os.File, prompt io.Writer) ([]client.Option, error) {
	opts, err := client.EnvOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, client.WithTimeout(o.timeout))

	switch {
	case o.port != 0:
		host := o.host
		if host == "" {
			host = "localhost"
		}
		opts = append(opts, client.WithTCPAddr(net.JoinHostPort(host, strconv.Itoa(o.port))))
	case o.host != "":
		t, err := client.ParseHost(o.host)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTransport(t))
	case o.sockname != "":
		opts = append(opts, client.WithSocketPath(o.sockname))
	}

	switch {
	case o.secretFile != "":
		secret, err := rpc.LoadSecret(o.secretFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSecret(secret))
	case o.askSecret:
		if !term.IsTerminal(int(in.Fd())) {
			return nil, fmt.Errorf("--ask-secret needs a terminal")
		}
		fmt.Fprint(prompt, "secret: ")
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSecret(strings.TrimSpace(string(b))))
	}
	return opts, nil
}

// NewControlCommand creates the ldmsctl root command.
func NewControlCommand() *cobra.Command {
	o := &controlOptions{}

	cmd := &cobra.Command{
		Use:   "ldmsctl [command [attr=value ...]]",
		Short: "Send configuration commands to a running ldmsd",
		Long: `ldmsctl sends configuration commands to ldmsd over its control socket
and prints each reply as "<code> <message>"; code 0 is success.

With arguments, they form a single command. Otherwise commands are read
from standard input, one per line. On a terminal ldmsctl prompts and keeps
going after a failing command; "quit" leaves. Reading from a pipe or file
stops at the first failing command.`,
		Example: `  ldmsctl -S /var/run/ldmsd/metric_socket prdcr_status
  ldmsctl -p 10001 -a /etc/ldmsd/secret < setup.conf`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			opts, err := o.dialOptions(os.Stdin, cmd.ErrOrStderr())
			if err != nil {
				return &ExitError{Code: ExitUsage, Cause: err}
			}
			c, err := client.Dial(ctx, opts...)
			if err != nil {
				return NewConnectError(err)
			}
			defer c.Close()

			s := &Session{Sender: c, Out: cmd.OutOrStdout(), MaxLineLen: config.DefaultMaxRecordLen}
			if len(args) > 0 {
				return s.RunLine(ctx, strings.Join(args, " "))
			}
			if IsTerminal(os.Stdin) {
				s.Prompt = "ldmsctl> "
			}
			return s.Run(ctx, cmd.InOrStdin())
		},
	}

	f := cmd.Flags()
	f.SetNormalizeFunc(normalizeFlagName)
	f.StringVarP(&o.sockname, "sockname", "S", "", "Unix control socket path (default "+client.DefaultSocketPath()+")")
	f.StringVarP(&o.host, "host", "H", "", "Daemon address (unix:///path, tcp://host:port) or TCP host with --port")
	f.IntVarP(&o.port, "port", "p", 0, "TCP control port")
	f.StringVarP(&o.secretFile, "secret-file", "a", "", "Shared secret file for TCP")
	f.BoolVar(&o.askSecret, "ask-secret", false, "Prompt for the shared secret")
	f.DurationVar(&o.timeout, "timeout", 30*time.Second, "Per-command timeout")
	cmd.MarkFlagsMutuallyExclusive("sockname", "port")
	cmd.MarkFlagsMutuallyExclusive("secret-file", "ask-secret")

	return cmd
}
