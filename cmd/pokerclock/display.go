package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lox/pokerclock/internal/client"
	"github.com/lox/pokerclock/internal/clock"
	"github.com/lox/pokerclock/internal/server"
	"github.com/lox/pokerclock/internal/tui"
)

// DisplayCmd shows a live clock, optionally with director controls
type DisplayCmd struct {
	Server     string `short:"s" default:"http://localhost:8080" help:"Clock server URL"`
	Tournament string `short:"t" default:"main" help:"Tournament id"`
	Control    bool   `help:"Enable director keys (start, pause, levels, time)"`
	Token      string `env:"POKERCLOCK_DIRECTOR_TOKEN" help:"Director token for servers that protect commands"`
	NoColor    bool   `name:"no-color" help:"Disable colors"`
}

func (c *DisplayCmd) Run(g *Globals) error {
	// The terminal belongs to the display, so logs go nowhere unless a file
	// is given.
	logger, closeLog, err := g.SetupLogger("", "", io.Discard)
	if err != nil {
		return err
	}
	defer closeLog()

	if c.NoColor {
		tui.DisableColor()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	detail, err := client.FetchTournament(fetchCtx, nil, c.Server, c.Tournament)
	cancel()
	if err != nil {
		return fmt.Errorf("tournament %s: %w", c.Tournament, err)
	}

	conn := client.NewClient(c.Server, c.Tournament, logger)
	if c.Token != "" {
		conn.SetToken(c.Token)
	}

	var opts []tui.Option
	if c.Control {
		opts = append(opts, tui.WithController(conn))
	}
	model := tui.NewModel(detail.Name, detail.Levels, logger, opts...)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	conn.OnState(func(data server.ClockStateData) {
		program.Send(tui.StateMsg{State: data.State, ReceivedAt: time.Now()})
	})
	conn.OnLevelCompleted(func(ev clock.LevelCompletedEvent) {
		program.Send(tui.LevelMsg{Event: ev})
	})

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", c.Server, err)
	}
	defer func() { _ = conn.Disconnect() }()

	go func() {
		select {
		case <-conn.Done():
			program.Send(tui.DisconnectedMsg{})
		case <-ctx.Done():
		}
	}()

	logger.Info("Starting display", "server", c.Server, "tournament", c.Tournament, "control", c.Control)

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("display: %w", err)
	}
	return nil
}
