package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/lumidev/lumidev/internal/config"
	"github.com/lumidev/lumidev/internal/server"
	"github.com/lumidev/lumidev/pkg/errors"
	"github.com/lumidev/lumidev/pkg/utils"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const statusTimeout = time.Second

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent builds",
	Long: `Display the most recent builds of the project.

When a lumidev watch is running the builds are read from its HTTP server,
otherwise from the history database in the cache directory.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 10, "Number of builds to show")
	statusCmd.Flags().Bool("json", false, "Output status in JSON format")
	statusCmd.Flags().Int("port", 8020, "HTTP port of the running watch")
	statusCmd.Flags().Bool("clear", false, "Delete the recorded build history")
}

func runStatus(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd, "", flagBinding{key: "http.port", flag: "port"})
	if err != nil {
		return err
	}

	if wipe, _ := cmd.Flags().GetBool("clear"); wipe {
		n, err := clearHistory(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d build(s)\n", n)
		return nil
	}

	resp, live, err := fetchStatus(cmd.Context(), cfg, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	printStatus(cmd.OutOrStdout(), resp, live)
	return nil
}

// fetchStatus asks the running watch first. The history database is locked
// while a watch runs, so it is only opened when no server answers.
func fetchStatus(ctx context.Context, cfg *config.Config, limit int) (*server.BuildsResponse, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := fetchLive(ctx, statusURL(cfg, limit))
	if err == nil {
		return resp, true, nil
	}

	db, repo, err := openHistory(cfg, true)
	if err != nil {
		return nil, false, errors.NewDatabaseError("no running watch and no build history", err)
	}
	defer db.Close()

	builds, err := repo.Recent(limit)
	if err != nil {
		return nil, false, err
	}
	stamp, err := repo.LastStamp()
	if err != nil {
		return nil, false, err
	}
	return &server.BuildsResponse{Stamp: stamp, Builds: builds}, false, nil
}

// clearHistory empties the history database. It fails while a watch holds it.
func clearHistory(cfg *config.Config) (int, error) {
	db, repo, err := openHistory(cfg, false)
	if err != nil {
		return 0, errors.NewDatabaseError("cannot clear build history, is lumidev watch running?", err)
	}
	defer db.Close()

	n, err := repo.Count()
	if err != nil {
		return 0, err
	}
	if err := repo.Clear(); err != nil {
		return 0, errors.NewDatabaseError("failed to clear build history", err)
	}
	return n, nil
}

func statusURL(cfg *config.Config, limit int) string {
	host := cfg.HTTP.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.HTTP.Port)) +
		"/__lumidev/builds?limit=" + strconv.Itoa(limit)
}

func fetchLive(ctx context.Context, url string) (*server.BuildsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.NewNetworkError("watch server unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.NewNetworkError(fmt.Sprintf("watch server returned %s", res.Status), nil)
	}
	var body server.BuildsResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errors.NewNetworkError("invalid status response", err)
	}
	return &body, nil
}

func printStatus(w io.Writer, resp *server.BuildsResponse, live bool) {
	if live {
		fmt.Fprintf(w, "Watching, %d subscriber(s), last success stamp %d\n\n", resp.Subscribers, resp.Stamp)
	} else {
		fmt.Fprintf(w, "Not watching, last success stamp %d\n\n", resp.Stamp)
	}

	if len(resp.Builds) == 0 {
		fmt.Fprintln(w, "No builds recorded")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Started", "Kind", "Status", "Stage", "Duration", "Error"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, b := range resp.Builds {
		table.Append([]string{
			b.StartedAt.Local().Format("15:04:05"),
			utils.BuildKind(b.Incremental),
			utils.BuildStatusIcon(b.Status),
			b.FailedStage,
			utils.FormatDuration(b.Duration),
			utils.TruncateString(b.Error, 60),
		})
	}
	table.Render()
}
