// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var hierarchyExportDetailed bool

var hierarchyCmd = &cobra.Command{
	Use:   "hierarchy",
	Short: "Inspect the COI hierarchy",
}

var hierarchyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the hierarchy in evaluation-engine form",
	Long: `Export the COI hierarchy the way spokes consume it.

The flat form maps each COI to its transitive ancestor list; the
detailed form adds node metadata (kind, level, enabled, conditional).`,
	Run: runHierarchyExport,
}

func init() {
	hierarchyExportCmd.Flags().BoolVar(&hierarchyExportDetailed, "detailed", false, "Include node metadata per COI")
}

func runHierarchyExport(cmd *cobra.Command, args []string) {
	client := newHubClient()

	path := "/v1/federation/hierarchy/export/flat"
	if hierarchyExportDetailed {
		path = "/v1/federation/hierarchy/export/detailed"
	}

	var out map[string]any
	if err := client.getJSON(path, &out); err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		os.Exit(CLIExitError)
	}
	if err := outputJSON(out); err != nil {
		os.Exit(CLIExitError)
	}
}
