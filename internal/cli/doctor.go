package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stacktap/internal/archive"
	"stacktap/internal/config"
	"stacktap/internal/stackexchange"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, credentials, and API reachability",
	RunE:  doctorAction,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// apiProbe is a variable so tests can avoid the network round trip.
var apiProbe = stackexchange.Probe

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		ok = false
	} else {
		printCheck(true, "config directory %s", configDir)
	}

	// Config file
	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		ok = false
	} else {
		tagged := cfg.Source.Tagged
		if tagged == "" {
			tagged = "any"
		}
		printCheck(true, "config.yaml (site %s, tags %s, %d per page)",
			cfg.Source.Site, tagged, cfg.Source.PageSize)
	}

	// Credentials
	if cfg != nil {
		switch {
		case cfg.Source.Key != "" && cfg.Source.AccessToken != "":
			printCheck(true, "credentials (application key and access token)")
		case cfg.Source.Key != "":
			printCheck(true, "credentials (application key)")
		default:
			printInfo("no application key configured; anonymous quota is much smaller")
		}
	}

	// Archive root
	if cfg != nil {
		manager, err := archive.NewManager(cfg.Archive.Root)
		if err != nil {
			printCheck(false, "archive root: %v", err)
			ok = false
		} else if infos, listErr := manager.List(cmd.Context()); listErr != nil {
			printCheck(false, "archive root %s: %v", manager.Root(), listErr)
			ok = false
		} else {
			printCheck(true, "archive root %s (%d sessions)", manager.Root(), len(infos))
		}
	}

	// API reachability
	if cfg != nil {
		probeCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := apiProbe(probeCtx, newTransport(cfg), cfg.Source.Site); err != nil {
			printCheck(false, "API: %v", err)
			ok = false
		} else {
			printCheck(true, "API answers for site %s", cfg.Source.Site)
		}
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("[INFO] %s\n", fmt.Sprintf(format, args...))
}
