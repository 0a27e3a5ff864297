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

/*
Package cli builds the ldmsd and ldmsctl command lines.

NewDaemonCommand maps flags onto controller.RunOptions and runs the
daemon. NewControlCommand dials a running daemon and feeds it commands
through a Session, printing each reply as "<code> <message>".

# Usage

From main.go:

	cli.SetVersion(version, commit, buildDate)
	if err := cli.NewControlCommand().Execute(); err != nil {
	    cli.HandleExitError("ldmsctl", err)
	}

# Exit codes

	0   success
	1   a command failed (its reply has been printed)
	2   the daemon could not be reached or the connection broke
	64  invalid flags
*/
package cli
