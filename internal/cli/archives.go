package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stacktap/internal/archive"
	"stacktap/internal/config"
)

var archivesFormat string

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List recorded archive sessions",
	RunE:  archivesAction,
}

var archivesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove an archive session",
	Args:  cobra.ExactArgs(1),
	RunE:  archivesRmAction,
}

func init() {
	archivesCmd.Flags().StringVar(&archivesFormat, "format", "terminal", "output format: terminal, json")
	archivesCmd.AddCommand(archivesRmCmd)
	rootCmd.AddCommand(archivesCmd)
}

func archivesAction(cmd *cobra.Command, _ []string) error {
	manager, err := openManager()
	if err != nil {
		return err
	}

	infos, err := manager.List(cmd.Context())
	if err != nil {
		fmt.Printf("warning: %v\n", err)
	}
	if len(infos) == 0 {
		fmt.Println("No archive sessions found. Run 'stacktap fetch --archive' first.")
		return nil
	}

	switch archivesFormat {
	case "json":
		return printArchivesJSON(os.Stdout, infos)
	case "terminal", "":
		printArchives(os.Stdout, infos)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want terminal or json)", archivesFormat)
	}
}

func archivesRmAction(cmd *cobra.Command, args []string) error {
	manager, err := openManager()
	if err != nil {
		return err
	}

	infos, err := manager.List(cmd.Context())
	if err != nil {
		fmt.Printf("warning: %v\n", err)
	}

	target := args[0]
	match := ""
	for _, info := range infos {
		if info.ID == target || strings.HasPrefix(info.ID, target) {
			if match != "" {
				return fmt.Errorf("%q matches more than one session", target)
			}
			match = info.Path
		}
	}
	if match == "" {
		return fmt.Errorf("no session matching %q", target)
	}

	if err := manager.Remove(match); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	fmt.Printf("Removed %s\n", match)
	return nil
}

func openManager() (*archive.Manager, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	manager, err := archive.NewManager(cfg.Archive.Root)
	if err != nil {
		return nil, fmt.Errorf("open archive root: %w", err)
	}
	return manager, nil
}

type jsonArchiveInfo struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Origin    string `json:"origin"`
	Category  string `json:"category"`
	Tagged    string `json:"tagged,omitempty"`
	PageSize  int    `json:"page_size"`
	Since     string `json:"since,omitempty"`
	CreatedAt string `json:"created_at"`
	Pages     int    `json:"pages"`
	SizeBytes int64  `json:"size_bytes"`
}

func printArchivesJSON(w io.Writer, infos []archive.Info) error {
	out := make([]jsonArchiveInfo, 0, len(infos))
	for _, info := range infos {
		ji := jsonArchiveInfo{
			ID:        info.ID,
			Path:      info.Path,
			Origin:    info.Meta.Origin,
			Category:  info.Meta.Category,
			Tagged:    info.Meta.Tagged,
			PageSize:  info.Meta.PageSize,
			CreatedAt: info.Meta.CreatedAt.Format(time.RFC3339),
			Pages:     info.Pages,
			SizeBytes: info.SizeBytes,
		}
		if !info.Meta.Since.IsZero() {
			ji.Since = info.Meta.Since.Format(time.RFC3339)
		}
		out = append(out, ji)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printArchives(w io.Writer, infos []archive.Info) {
	fmt.Fprintf(w, "stacktap archives: %d sessions\n\n", len(infos))
	fmt.Fprintf(w, "  %-10s  %-18s  %-10s  %-16s  %5s  %8s\n",
		"ID", "Origin", "Category", "Created", "Pages", "Size")
	for _, info := range infos {
		id := info.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "  %-10s  %-18s  %-10s  %-16s  %5d  %8s\n",
			id, info.Meta.Origin, info.Meta.Category,
			humanize.Time(info.Meta.CreatedAt), info.Pages,
			humanize.Bytes(uint64(info.SizeBytes)))
	}
}
