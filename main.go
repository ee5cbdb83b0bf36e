// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	apicmd "github.com/simonsobs/librarian/cmd/api"
	janitorcmd "github.com/simonsobs/librarian/cmd/janitor"
	validateconfigcmd "github.com/simonsobs/librarian/cmd/validateconfig"

	// include all known store driver implementations
	_ "github.com/simonsobs/librarian/internal/drivers/posix"
	_ "github.com/simonsobs/librarian/internal/drivers/rsync"
	_ "github.com/simonsobs/librarian/internal/drivers/s3"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("LIBRARIAN_DEBUG")

	rootCmd := &cobra.Command{
		Use:   "librarian",
		Short: "Federated scientific-data librarian",
		Long:  "The librarian catalogs observation files, replicates them between peer sites, and garbage-collects local copies once sufficient remote redundancy is proven.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck // printing help cannot reasonably fail
		},
	}
	validateconfigcmd.AddCommandTo(rootCmd)

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Server commands.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck // printing help cannot reasonably fail
		},
	}
	apicmd.AddCommandTo(serverCmd)
	janitorcmd.AddCommandTo(serverCmd)
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		logg.Error(err.Error())
		os.Exit(1)
	}
}
