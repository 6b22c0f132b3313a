package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nerrad567/agrivision-core/internal/actuator"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/database"
	"github.com/nerrad567/agrivision-core/internal/store"
	"github.com/nerrad567/agrivision-core/migrations"
)

// openForCommand loads the config and opens the database without migrating.
func openForCommand(configPath string) (*config.Config, *database.DB, error) {
	cfg, err := config.Load(getConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, db, nil
}

// ─── migrate ───────────────────────────────────────────────────────

func migrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			_, db, err := openForCommand(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(c.Context(), migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), color.GreenString("migrations applied"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			_, db, err := openForCommand(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.MigrateDown(c.Context(), migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), color.YellowString("rolled back one migration"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			_, db, err := openForCommand(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()
			return printMigrationStatus(c.Context(), c.OutOrStdout(), db)
		},
	})

	return cmd
}

func printMigrationStatus(ctx context.Context, out io.Writer, db *database.DB) error {
	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tDETAIL")
	for _, m := range applied {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Version, color.GreenString("applied"), m.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Version, color.YellowString("pending"), m.Name)
	}
	return tw.Flush()
}

// ─── positions ─────────────────────────────────────────────────────

func positionsCmd(configPath *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List monitored positions with their last stage",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			_, db, err := openForCommand(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()
			return printPositions(c.Context(), c.OutOrStdout(), store.NewSQLiteRepository(db.DB), !all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include removed positions")
	return cmd
}

func printPositions(ctx context.Context, out io.Writer, repo store.Store, activeOnly bool) error {
	positions, err := repo.QueryPositions(ctx, activeOnly)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Fprintln(out, "no positions registered")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "X\tY\tSTAGE\tLAST CHECK\tLAST WATERED")
	for _, p := range positions {
		stage, checked, watered := "-", "-", "-"

		last, err := repo.QueryLastCheck(ctx, p.ID, false)
		switch {
		case err == nil:
			stage = last.Stage
			checked = last.CreatedAt.Local().Format(time.DateTime)
		case !errors.Is(err, store.ErrCheckNotFound):
			return err
		}
		if w, err := repo.QueryLastCheck(ctx, p.ID, true); err == nil {
			watered = w.CreatedAt.Local().Format(time.DateTime)
		}

		x := strconv.Itoa(p.X)
		if !p.Active {
			x = color.New(color.Faint).Sprint(x + " (removed)")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", x, p.Y, stageColor(stage), checked, watered)
	}
	return tw.Flush()
}

func stageColor(stage string) string {
	switch stage {
	case "-":
		return stage
	case "unknown":
		return color.YellowString(stage)
	default:
		return color.GreenString(stage)
	}
}

// ─── profile ───────────────────────────────────────────────────────

func profileCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect or correct the persisted actuator profile",
		Long: `The actuator profile records pin assignments, motion parameters and the
last known gantry position. Edit it only while the service is stopped.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the actuator profile",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(getConfigPath(*configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			p, stored, err := actuator.LoadProfile(cfg.Actuator.ProfilePath)
			if err != nil {
				return err
			}
			if !stored {
				p = actuator.ProfileFromConfig(cfg.Actuator)
			}
			printProfile(c.OutOrStdout(), p, stored)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-position X Y",
		Short: "Record the gantry's physical position without moving it",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			x, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid X %q: %w", args[0], err)
			}
			y, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid Y %q: %w", args[1], err)
			}
			return updateProfile(c.OutOrStdout(), *configPath, x, y)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "home",
		Short: "Mark the gantry as parked at the origin",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return updateProfile(c.OutOrStdout(), *configPath, 0, 0)
		},
	})

	return cmd
}

// updateProfile stores (x, y) as the known position and clears the homing
// flag.
func updateProfile(out io.Writer, configPath string, x, y float64) error {
	if x < 0 || y < 0 {
		return fmt.Errorf("position (%g, %g) is outside the rig", x, y)
	}
	cfg, err := config.Load(getConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Actuator.ProfilePath == "" {
		return errors.New("actuator.profile_path is not configured")
	}

	p, stored, err := actuator.LoadProfile(cfg.Actuator.ProfilePath)
	if err != nil {
		return err
	}
	if !stored {
		p = actuator.ProfileFromConfig(cfg.Actuator)
	}
	p.X.Position = x
	p.Y.Position = y
	p.NeedsHoming = false
	p.SavedAt = time.Now().UTC()

	if err := actuator.SaveProfile(cfg.Actuator.ProfilePath, p); err != nil {
		return err
	}
	printProfile(out, p, true)
	return nil
}

func printProfile(out io.Writer, p actuator.Profile, stored bool) {
	source := color.GreenString("stored")
	if !stored {
		source = color.YellowString("from config (not yet saved)")
	}
	homing := color.GreenString("no")
	if p.NeedsHoming {
		homing = color.RedString("yes")
	}

	fmt.Fprintf(out, "profile:      %s\n", source)
	fmt.Fprintf(out, "position:     (%g, %g)\n", p.X.Position, p.Y.Position)
	fmt.Fprintf(out, "needs homing: %s\n", homing)
	fmt.Fprintf(out, "enable pin:   %d\n", p.EnablePin)
	fmt.Fprintf(out, "valve pin:    %d\n", p.ValvePin)
	for _, a := range []struct {
		name string
		s    actuator.AxisState
	}{{"x", p.X}, {"y", p.Y}} {
		fmt.Fprintf(out, "%s axis:       step=%d dir=%d speed=%g..%g accel=%g steps/mm=%g reversed=%t\n",
			a.name, a.s.StepPin, a.s.DirPin, a.s.MinSpeed, a.s.MaxSpeed, a.s.Acceleration, a.s.StepsPerUnit, a.s.Reversed)
	}
	if !p.SavedAt.IsZero() {
		fmt.Fprintf(out, "saved at:     %s\n", p.SavedAt.Format(time.RFC3339))
	}
}
