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
	"time"

	"github.com/spf13/cobra"

	"github.com/fedmesh/fedmesh/services/policyplane/spokesync"
)

var (
	spokeStatusJSON      bool
	spokeStatusOutOfSync bool
)

var spokeCmd = &cobra.Command{
	Use:   "spoke",
	Short: "Inspect spoke sync state",
}

var spokeStatusCmd = &cobra.Command{
	Use:   "status [spokeId]",
	Short: "Show sync status for all spokes or one spoke",
	Args:  cobra.MaximumNArgs(1),
	Run:   runSpokeStatus,
}

func init() {
	spokeStatusCmd.Flags().BoolVar(&spokeStatusJSON, "json", false, "Output JSON")
	spokeStatusCmd.Flags().BoolVar(&spokeStatusOutOfSync, "out-of-sync", false, "Only spokes not on the latest version")
}

func runSpokeStatus(cmd *cobra.Command, args []string) {
	client := newHubClient()

	if len(args) == 1 {
		var st spokesync.Status
		if err := client.getJSON("/v1/federation/spokes/"+args[0], &st); err != nil {
			fmt.Fprintf(os.Stderr, "Fetch failed: %v\n", err)
			os.Exit(CLIExitError)
		}
		if spokeStatusJSON {
			if err := outputJSON(st); err != nil {
				os.Exit(CLIExitError)
			}
			return
		}
		printSpokeTable([]*spokesync.Status{&st})
		return
	}

	path := "/v1/federation/spokes"
	if spokeStatusOutOfSync {
		path += "/out-of-sync"
	}
	var resp struct {
		Spokes []*spokesync.Status `json:"spokes"`
	}
	if err := client.getJSON(path, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Fetch failed: %v\n", err)
		os.Exit(CLIExitError)
	}

	if spokeStatusJSON {
		if err := outputJSON(resp.Spokes); err != nil {
			os.Exit(CLIExitError)
		}
		return
	}
	if len(resp.Spokes) == 0 {
		fmt.Println("No spokes have reported.")
		return
	}
	printSpokeTable(resp.Spokes)
}

func printSpokeTable(spokes []*spokesync.Status) {
	fmt.Printf("%-12s %-16s %-14s %-7s %s\n", "SPOKE", "VERSION", "STATE", "BEHIND", "LAST SEEN")
	for _, st := range spokes {
		version := st.CurrentVersion
		if version == "" {
			version = "-"
		}
		lastSeen := "never"
		if st.LastSeen != 0 {
			lastSeen = time.Since(time.UnixMilli(st.LastSeen)).Round(time.Second).String() + " ago"
		}
		fmt.Printf("%-12s %-16s %-14s %-7d %s\n", st.SpokeID, version, st.State, st.VersionsBehind, lastSeen)
	}
}
