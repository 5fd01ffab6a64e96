// PrevSim: Brazilian private pension (PGBL/VGBL) simulator with an investor
// portal and a sim backend.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/prevsim/internal/client"
	"github.com/vesaa/prevsim/internal/config"
	"github.com/vesaa/prevsim/internal/confirm"
	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/seed"
	"github.com/vesaa/prevsim/internal/server"
	"github.com/vesaa/prevsim/internal/store"
)

const asciiLogo = `
 ██████╗ ██████╗ ███████╗██╗   ██╗███████╗██╗███╗   ███╗
 ██╔══██╗██╔══██╗██╔════╝██║   ██║██╔════╝██║████╗ ████║
 ██████╔╝██████╔╝█████╗  ██║   ██║███████╗██║██╔████╔██║
 ██╔═══╝ ██╔══██╗██╔══╝  ╚██╗ ██╔╝╚════██║██║██║╚██╔╝██║
 ██║     ██║  ██║███████╗ ╚████╔╝ ███████║██║██║ ╚═╝ ██║
 ╚═╝     ╚═╝  ╚═╝╚══════╝  ╚═══╝  ╚══════╝╚═╝╚═╝     ╚═╝
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo + "\n")
	fmt.Printf("  ► PrevSim %s  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "prevsim",
		Short: "PrevSim, a private pension (PGBL/VGBL) simulator",
		Long: `PrevSim simulates Brazilian private pension certificates month by month:
contributions, fund switches, withdrawals with regressive or progressive tax,
portability and IOF on large VGBL contributions.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the investor portal (6677) and the sim backend (127.0.0.1:1616)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			s, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer s.Close()

			// First start on an empty database loads the demo fixture.
			if _, err := seed.Load(s, seed.Default, cfg.PortalPassword); err != nil {
				return fmt.Errorf("seeding: %w", err)
			}

			eng := engine.New(s)
			srv, err := server.New(cfg, s, eng)
			if err != nil {
				return err
			}

			gin.SetMode(gin.ReleaseMode)
			portalAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.PortalPort)
			adminAddr := fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort)

			fmt.Printf("  ✓ Investor portal         → http://%s/portal\n", portalAddr)
			fmt.Printf("  ✓ Sim backend + admin API → http://%s/admin\n", adminAddr)
			fmt.Printf("  ✓ Admin login: %s / %s\n", cfg.AdminUser, cfg.AdminPass)
			fmt.Printf("  ✓ Admin token: %s\n", cfg.AdminToken)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if cfg.EvolveSchedule != "" {
				sched, err := engine.NewScheduler(ctx, eng, cfg.EvolveSchedule)
				if err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()
				fmt.Printf("  ✓ Evolve schedule: %s\n", cfg.EvolveSchedule)
			}
			fmt.Println()

			portalSrv := &http.Server{Addr: portalAddr, Handler: srv.PortalEngine()}
			adminSrv := &http.Server{Addr: adminAddr, Handler: srv.AdminEngine()}

			errCh := make(chan error, 2)
			go func() { errCh <- portalSrv.ListenAndServe() }()
			go func() { errCh <- adminSrv.ListenAndServe() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt)

			select {
			case err := <-errCh:
				return err
			case <-quit:
				fmt.Println("\n  → Shutting down gracefully…")
				cancel()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = portalSrv.Shutdown(sctx)
				_ = adminSrv.Shutdown(sctx)
				return nil
			}
		},
	}

	// ── evolve subcommand ─────────────────────────────────────────────────────
	evolveCmd := &cobra.Command{
		Use:   "evolve",
		Short: "Advance the simulation by N months, locally or on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			steps, _ := cmd.Flags().GetInt("steps")
			yes, _ := cmd.Flags().GetBool("yes")
			join, _ := cmd.Flags().GetString("join")
			token, _ := cmd.Flags().GetString("token")

			var c confirm.Confirmer = confirm.Terminal{In: os.Stdin, Out: os.Stdout}
			if yes {
				c = confirm.Always
			}
			if !c.Confirm(fmt.Sprintf("Evolve the simulation by %d month(s)? Pending requests will execute.", steps)) {
				fmt.Println("  Aborted.")
				return nil
			}

			ctx := cmd.Context()
			if join != "" {
				if !containsPort(join) {
					join = fmt.Sprintf("%s:%d", join, cfg.AdminPort)
				}
				if token == "" {
					token = cfg.ClientToken
				}
				res, err := client.New(join, token).Evolve(ctx, steps)
				if err != nil {
					return err
				}
				printSteps(res.Steps)
				fmt.Printf("  ✓ Now at month %d (%s)\n", res.Month, res.Date)
				return nil
			}

			s, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer s.Close()
			logs, err := engine.New(s).Evolve(ctx, steps)
			printSteps(logs)
			return err
		},
	}
	evolveCmd.Flags().Int("steps", 1, "Months to advance (1-120)")
	evolveCmd.Flags().String("join", "", "Admin API address of a running server, e.g. 127.0.0.1 or 127.0.0.1:1616")
	evolveCmd.Flags().String("token", "", "Admin token for --join (overrides client_token)")
	evolveCmd.Flags().Bool("yes", false, "Do not ask for confirmation")

	// ── seed subcommand ───────────────────────────────────────────────────────
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo plans, funds and investors into an empty database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			data := seed.Default
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				if data, err = os.ReadFile(file); err != nil {
					return err
				}
			}
			s, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer s.Close()
			sum, err := seed.Load(s, data, cfg.PortalPassword)
			if err != nil {
				return err
			}
			if sum.Skipped {
				fmt.Println("  Database already has users, nothing loaded.")
				return nil
			}
			fmt.Printf("  ✓ %d plan(s), %d fund(s), %d user(s), %d certificate(s), %d lot(s), %d request(s)\n",
				sum.Plans, sum.Funds, sum.Users, sum.Certificates, sum.Lots, sum.Requests)
			return nil
		},
	}
	seedCmd.Flags().String("file", "", "YAML fixture to load instead of the built-in demo data")

	// ── reset subcommand ──────────────────────────────────────────────────────
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop all data and restart the simulation clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			var c confirm.Confirmer = confirm.Terminal{In: os.Stdin, Out: os.Stdout}
			if yes, _ := cmd.Flags().GetBool("yes"); yes {
				c = confirm.Always
			}
			if !c.Confirm(fmt.Sprintf("Delete every user, certificate and request in %s?", cfg.DBPath)) {
				fmt.Println("  Aborted.")
				return nil
			}
			s, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer s.Close()
			if err := s.Reset(cfg.SimStartDate); err != nil {
				return err
			}
			fmt.Printf("  ✓ Database reset, simulation restarts at %s\n", cfg.SimStartDate)
			return nil
		},
	}
	resetCmd.Flags().Bool("yes", false, "Do not ask for confirmation")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print PrevSim version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PrevSim %s\n", version)
		},
	}

	root.AddCommand(serverCmd, evolveCmd, seedCmd, resetCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func printSteps(logs []engine.StepLog) {
	for _, l := range logs {
		fmt.Printf("  ► Month %d (%s)\n", l.Month, l.Date)
		for _, ev := range l.Events {
			fmt.Printf("      %s\n", ev)
		}
	}
}

// containsPort checks whether addr already has a port suffix.
func containsPort(addr string) bool {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	return strings.Contains(addr, ":")
}
