// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unitychant/chant/pkg/config"
	"github.com/unitychant/chant/services/chant"
	"github.com/unitychant/chant/services/chant/planner"
	"github.com/unitychant/chant/services/chant/sweeper"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// =============================================================================
// Root Command
// =============================================================================

// newRootCmd builds the command tree. A constructor instead of package
// globals keeps flag state separate between test runs.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chantd",
		Short:         "Tiered consensus engine for deliberative voting",
		Long:          `chantd runs deliberations: ideas are voted on in small cells, winners advance tier by tier until one champion remains.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	load := func() (config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newSweepCmd(load),
		newDispatchCmd(load),
		newPlanCmd(),
		newConfigCmd(),
	)
	return root
}

// =============================================================================
// Service Commands
// =============================================================================

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the sweep and outbox loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			svc, err := chant.New(cmd.Context(), cfg, nil)
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			return svc.Run(cmd.Context())
		},
	}
}

func newSweepCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one deadline sweep and exit",
		Long:  `Closes expired submission periods, times out cells, opens voting after discussion, starts due challenge rounds and recovers stalled tiers.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			svc, err := chant.New(cmd.Context(), cfg, nil)
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			defer svc.Close()

			res, err := svc.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sweep finished in %s: %d items, %d failed\n", res.Duration(), res.Total(), res.Failed)
			kinds := make([]sweeper.Kind, 0, len(res.Found))
			for k := range res.Found {
				kinds = append(kinds, k)
			}
			sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
			for _, k := range kinds {
				fmt.Fprintf(out, "  %-18s %d\n", k, res.Found[k])
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d sweep items failed", res.Failed)
			}
			return nil
		},
	}
}

func newDispatchCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver one batch of outbox events and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			svc, err := chant.New(cmd.Context(), cfg, nil)
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			defer svc.Close()

			res, err := svc.DispatchOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending %d, delivered %d, failed %d, claimed elsewhere %d\n",
				res.Pending, res.Delivered, res.Failed, res.LostClaim)
			return nil
		},
	}
}

// =============================================================================
// Plan Command
// =============================================================================

// planOutput is the JSON form of `chantd plan`.
type planOutput struct {
	Participants int        `json:"participants"`
	Ideas        int        `json:"ideas"`
	Groups       int        `json:"idea_groups"`
	Showdown     bool       `json:"showdown"`
	Cells        []planCell `json:"cells"`
}

type planCell struct {
	Voters       int  `json:"voters"`
	Ideas        int  `json:"ideas"`
	IdeaGroup    int  `json:"idea_group"`
	SharedBallot bool `json:"shared_ballot"`
}

func newPlanCmd() *cobra.Command {
	var (
		participants int
		ideas        int
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the tier-1 cell layout for a participant and idea count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if participants <= 0 {
				return fmt.Errorf("--participants must be positive")
			}
			if ideas <= 0 {
				return fmt.Errorf("--ideas must be positive")
			}
			return writePlan(cmd.OutOrStdout(), participants, ideas, asJSON)
		},
	}
	cmd.Flags().IntVarP(&participants, "participants", "p", 0, "Number of participants")
	cmd.Flags().IntVarP(&ideas, "ideas", "i", 0, "Number of ideas")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// writePlan forms cells for synthetic users and ideas. Sizes do not depend
// on the shuffle, so a fixed seed is enough.
func writePlan(w io.Writer, participants, ideas int, asJSON bool) error {
	refs := make([]planner.IdeaRef, ideas)
	for i := range refs {
		refs[i] = planner.IdeaRef{ID: fmt.Sprintf("idea-%d", i+1)}
	}
	users := make([]string, participants)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i+1)
	}
	plan, err := planner.FormCells(refs, users, rand.New(rand.NewSource(1)))
	if err != nil {
		return err
	}

	out := planOutput{
		Participants: participants,
		Ideas:        ideas,
		Groups:       plan.Groups,
		Showdown:     plan.Showdown,
		Cells:        make([]planCell, len(plan.Cells)),
	}
	for i, c := range plan.Cells {
		out.Cells[i] = planCell{
			Voters:       len(c.ParticipantIDs),
			Ideas:        len(c.IdeaIDs),
			IdeaGroup:    c.IdeaGroup,
			SharedBallot: c.SharedBallot,
		}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "%d participants, %d ideas -> %d cells, %d idea groups\n",
		participants, ideas, len(out.Cells), out.Groups)
	for i, c := range out.Cells {
		shared := ""
		if c.SharedBallot {
			shared = " (shared ballot)"
		}
		fmt.Fprintf(w, "  cell %-3d %d voters, %d ideas, group %d%s\n", i+1, c.Voters, c.Ideas, c.IdeaGroup+1, shared)
	}
	if out.Showdown {
		fmt.Fprintln(w, "  showdown: every cell votes on the full idea set")
	}
	return nil
}

// =============================================================================
// Config Commands
// =============================================================================

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate chantd configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write the default configuration to path (default chantd.yaml)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "chantd.yaml"
				if len(args) == 1 {
					path = args[0]
				}
				if err := config.WriteDefault(path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "check path",
			Short: "Load and validate a configuration file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(args[0])
				if err != nil {
					return err
				}
				slog.Debug("config validated", slog.String("path", args[0]))
				fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (store %s, listen %s)\n",
					args[0], cfg.Store.Driver, strings.TrimSpace(cfg.Server.Addr))
				return nil
			},
		},
	)
	return cmd
}
