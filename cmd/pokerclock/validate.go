package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/lox/pokerclock/internal/config"
)

// ValidateCmd checks a configuration without starting anything
type ValidateCmd struct {
	Config string `short:"c" default:"pokerclock.hcl" help:"Path to HCL configuration file"`
	Quiet  bool   `short:"q" help:"Only report errors"`
}

func (c *ValidateCmd) Run(_ *Globals) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Quiet {
		return nil
	}

	fmt.Printf("listen %s, store %s\n", cfg.ListenAddress(), cfg.Store.Driver)
	for _, t := range cfg.Tournaments {
		schedule, err := cfg.Schedule(t)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s (%s): %d levels, %s\n", t.Name, t.ID, schedule.Len(), schedule.TotalDuration())

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LEVEL\tBLINDS\tDURATION")
		for _, level := range schedule {
			fmt.Fprintf(w, "%d\t%s\t%s\n", level.Index+1, level, level.Duration())
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
