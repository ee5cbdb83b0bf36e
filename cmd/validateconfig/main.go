// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package validateconfigcmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sapcc/go-bits/logg"
	"github.com/spf13/cobra"

	"github.com/simonsobs/librarian/internal/librarian"
)

var knownTaskKinds = map[string]bool{
	"check_integrity":                      true,
	"create_local_clone":                   true,
	"send_clone":                           true,
	"receive_clone":                        true,
	"consume_queue":                        true,
	"check_consumed_queue":                 true,
	"incoming_transfer_hypervisor":         true,
	"outgoing_transfer_hypervisor":         true,
	"duplicate_remote_instance_hypervisor": true,
	"rolling_deletion":                     true,
	"corruption_fixer":                     true,
}

var checkDB bool

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "validate-config <server-config> [<background-config>]",
		Short: "Validate the librarian config documents.",
		Long:  "Validate the server config document and, if given, the background config document. Exits with 0 on success, 2 on a configuration error, 3 if the database is unreachable, 4 on an unknown task kind.",
		Args:  cobra.RangeArgs(1, 2),
		Run:   run,
	}
	cmd.Flags().BoolVar(&checkDB, "check-db", false, "also verify that the database is reachable")
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	_, err := librarian.LoadServerConfig(args[0])
	if err != nil {
		logg.Error(err.Error())
		os.Exit(librarian.ExitConfigError)
	}

	if len(args) > 1 {
		validateBackgroundConfig(args[1])
	}

	if checkDB {
		db, err := librarian.InitDB(librarian.GetDatabaseURLFromEnvironment())
		if err != nil {
			logg.Error("database unreachable: %s", err.Error())
			os.Exit(librarian.ExitDatabaseUnreachable)
		}
		db.Db.Close() //nolint:errcheck // process exits right after
	}

	fmt.Println("configuration ok")
}

func validateBackgroundConfig(path string) {
	// distinguish "unknown task kind" from plain syntax errors: the exit code
	// tells deployment tooling whether a rollout or a binary upgrade is needed
	buf, err := os.ReadFile(path)
	if err != nil {
		logg.Error(err.Error())
		os.Exit(librarian.ExitConfigError)
	}
	var kinds map[string]json.RawMessage
	err = json.Unmarshal(buf, &kinds)
	if err != nil {
		logg.Error("cannot parse background config %s: %s", path, err.Error())
		os.Exit(librarian.ExitConfigError)
	}
	for kind := range kinds {
		if !knownTaskKinds[kind] {
			logg.Error("unknown task kind %q in %s", kind, path)
			os.Exit(librarian.ExitUnknownTaskKind)
		}
	}

	_, err = librarian.LoadBackgroundConfig(path)
	if err != nil {
		logg.Error(err.Error())
		os.Exit(librarian.ExitConfigError)
	}
}
