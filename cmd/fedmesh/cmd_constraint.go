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
	"sort"

	"github.com/spf13/cobra"

	"github.com/fedmesh/fedmesh/services/policyplane/constraint"
)

var constraintMatrixJSON bool

var constraintCmd = &cobra.Command{
	Use:   "constraint",
	Short: "Inspect the federation constraint overlay",
}

var constraintMatrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Show the active owner x partner constraint matrix",
	Run:   runConstraintMatrix,
}

func init() {
	constraintMatrixCmd.Flags().BoolVar(&constraintMatrixJSON, "json", false, "Output JSON")
}

func runConstraintMatrix(cmd *cobra.Command, args []string) {
	client := newHubClient()

	var matrix map[string]map[string]constraint.MatrixEntry
	if err := client.getJSON("/v1/federation/constraints/matrix", &matrix); err != nil {
		fmt.Fprintf(os.Stderr, "Fetch failed: %v\n", err)
		os.Exit(CLIExitError)
	}

	if constraintMatrixJSON {
		if err := outputJSON(matrix); err != nil {
			os.Exit(CLIExitError)
		}
		return
	}

	if len(matrix) == 0 {
		fmt.Println("No active constraints.")
		return
	}

	owners := make([]string, 0, len(matrix))
	for owner := range matrix {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	fmt.Printf("%-12s %-12s %-14s %-10s %s\n", "OWNER", "PARTNER", "MAX CLASS", "OPERATOR", "ALLOWED COIS")
	for _, owner := range owners {
		partners := make([]string, 0, len(matrix[owner]))
		for partner := range matrix[owner] {
			partners = append(partners, partner)
		}
		sort.Strings(partners)
		for _, partner := range partners {
			e := matrix[owner][partner]
			fmt.Printf("%-12s %-12s %-14s %-10s %v\n",
				owner, partner, e.MaxClassification, e.COIOperator, e.AllowedCOIs)
		}
	}
}
