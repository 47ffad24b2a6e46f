// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command fedmesh is the admin CLI for a fedmesh hub.
//
// It talks to a running hub over its HTTP API:
//
//	fedmesh bundle build --scopes all --compress
//	fedmesh bundle list
//	fedmesh bundle verify 20260115-000001 --pubkey hub.pub
//	fedmesh spoke status
//	fedmesh hierarchy export --detailed
//	fedmesh constraint matrix
//
// The hub address comes from --hub or the FEDMESH_HUB environment
// variable (default http://localhost:8080).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// CLI exit codes.
const (
	CLIExitSuccess = 0
	CLIExitFailure = 1
	CLIExitError   = 2
)

var hubAddr string

var rootCmd = &cobra.Command{
	Use:   "fedmesh",
	Short: "Administer a fedmesh policy plane hub",
	Long: `fedmesh is the operator CLI for the federated policy data plane.

It manages policy bundles, inspects spoke sync state, and exports the
COI hierarchy and constraint overlay from a running hub.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubAddr, "hub", "", "Hub base URL (default $FEDMESH_HUB or http://localhost:8080)")

	rootCmd.AddCommand(bundleCmd)
	bundleCmd.AddCommand(bundleBuildCmd)
	bundleCmd.AddCommand(bundleListCmd)
	bundleCmd.AddCommand(bundleVerifyCmd)

	rootCmd.AddCommand(spokeCmd)
	spokeCmd.AddCommand(spokeStatusCmd)

	rootCmd.AddCommand(hierarchyCmd)
	hierarchyCmd.AddCommand(hierarchyExportCmd)

	rootCmd.AddCommand(constraintCmd)
	constraintCmd.AddCommand(constraintMatrixCmd)
}
