// mailassist is the operator CLI for the mail-assistant daemon: retry a
// stuck email, list errored rows, print pipeline stats, or kick off a
// backfill index for a user (spec §6 "admin surface"). Grounded on
// cmd/task/main.go's cobra root-plus-subcommands shape, local-database mode
// only — there is no remote daemon here, so the SSH-remote branch of that
// CLI is dropped.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/bborn/mailassist/internal/chat"
	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/crypt"
	"github.com/bborn/mailassist/internal/db"
	"github.com/bborn/mailassist/internal/embedding"
	"github.com/bborn/mailassist/internal/indexing"
	"github.com/bborn/mailassist/internal/provider"
	"github.com/bborn/mailassist/internal/taskrunner"
	"github.com/bborn/mailassist/internal/vectorstore"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

func main() {
	var dbPath string

	rootCmd := &cobra.Command{
		Use:   "mailassist",
		Short: "Operator CLI for the mail-assistant daemon",
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "Database path")

	rootCmd.AddCommand(
		retryCmd(&dbPath),
		errorsCmd(&dbPath),
		statsCmd(&dbPath),
		indexCmd(&dbPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func defaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "mailassist", "mailassist.db")
}

// retryCmd clears the error state on one email_processing_queue row so the
// task runner's next dispatch tick picks it back up (spec §6 "/retry
// {email_id}").
func retryCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <email_id>",
		Short: "Clear the error state on a stuck email so it is retried",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.Open(*dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			emailID, err := parseID(args[0])
			if err != nil {
				return err
			}

			epq, err := database.GetEPQ(emailID)
			if err != nil {
				return fmt.Errorf("look up email %d: %w", emailID, err)
			}
			if epq == nil {
				return fmt.Errorf("no email with id %d", emailID)
			}

			if err := database.ClearErrorForRetry(emailID); err != nil {
				return fmt.Errorf("clear error state: %w", err)
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("Cleared error state on email %d; it will be retried shortly.", emailID)))
			return nil
		},
	}
}

// errorsCmd lists EPQ rows with status=error (spec §6 "admin errors
// endpoint").
func errorsCmd(dbPath *string) *cobra.Command {
	var userID int64
	var limit int

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List emails currently in an error state",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.Open(*dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			rows, err := database.ListEPQByStatus(db.StatusError, limit)
			if err != nil {
				return fmt.Errorf("list errored emails: %w", err)
			}

			if userID != 0 {
				filtered := rows[:0]
				for _, r := range rows {
					if r.UserID == userID {
						filtered = append(filtered, r)
					}
				}
				rows = filtered
			}

			if len(rows) == 0 {
				fmt.Println(dimStyle.Render("No errored emails."))
				return nil
			}

			fmt.Println(boldStyle.Render(fmt.Sprintf("%-8s %-8s %-8s %-30s %s", "ID", "USER", "RETRIES", "SENDER", "ERROR")))
			for _, r := range rows {
				fmt.Printf("%-8d %-8d %-8d %-30s %s\n", r.ID, r.UserID, r.RetryCount, truncate(r.Sender, 30), truncate(r.ErrorMessage, 60))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "Filter to one user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show")
	return cmd
}

// statsCmd prints counts by status, error-type breakdown, and a derived
// health_status per spec §6's thresholds (healthy<5%, degraded<15%,
// critical>=15% error rate).
func statsCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline health and throughput stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.Open(*dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			byStatus, err := database.CountByStatus()
			if err != nil {
				return fmt.Errorf("count by status: %w", err)
			}
			byErrorType, err := database.CountErrorsByType()
			if err != nil {
				return fmt.Errorf("count errors by type: %w", err)
			}

			total := 0
			for _, n := range byStatus {
				total += n
			}
			errCount := byStatus[db.StatusError]

			fmt.Println(boldStyle.Render("By status:"))
			for _, status := range sortedKeys(byStatus) {
				fmt.Printf("  %-20s %d\n", status, byStatus[status])
			}

			if len(byErrorType) > 0 {
				fmt.Println(boldStyle.Render("By error type:"))
				for _, t := range sortedKeys(byErrorType) {
					fmt.Printf("  %-20s %d\n", t, byErrorType[t])
				}
			}

			health := "healthy"
			if total > 0 {
				rate := float64(errCount) / float64(total)
				switch {
				case rate >= 0.15:
					health = "critical"
				case rate >= 0.05:
					health = "degraded"
				}
			}
			style := successStyle
			if health == "degraded" {
				style = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
			} else if health == "critical" {
				style = errorStyle
			}
			fmt.Println(boldStyle.Render("Health: ") + style.Render(health))
			return nil
		},
	}
}

// indexCmd kicks off a full backfill for one user, constructing the same
// mail/embedding/vector-store trio the daemon wires at startup (spec §4.5
// "StartIndexing").
func indexCmd(dbPath *string) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Start (or resume) a backfill index for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user is required")
			}

			database, err := db.Open(*dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			cfg := config.New(database)

			tokenBox, err := crypt.NewBox(mustEnv("MAILASSIST_TOKEN_KEY"))
			if err != nil {
				return fmt.Errorf("load token key: %w", err)
			}
			mailClient := provider.New(mustEnv("GOOGLE_CLIENT_ID"), mustEnv("GOOGLE_CLIENT_SECRET"), database, tokenBox)
			embeddingSvc := embedding.New(mustEnv("OPENAI_API_KEY"), openai.SmallEmbedding3, 50)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			store, err := vectorstore.New(ctx, vectorstore.Config{
				Host:           envOr("QDRANT_HOST", "localhost"),
				Port:           6334,
				APIKey:         os.Getenv("QDRANT_API_KEY"),
				CollectionName: envOr("QDRANT_COLLECTION", "mailassist_messages"),
				VectorSize:     1536,
			})
			if err != nil {
				return fmt.Errorf("connect to vector store: %w", err)
			}

			// A nil *chat.Client assigned into indexing's notifier
			// interface parameter would not compare equal to nil (typed-nil
			// gotcha), so build the interface value directly rather than
			// through an intermediate concrete-typed variable.
			var notify chatNotifier
			if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
				chatClient, cerr := chat.New(token)
				if cerr != nil {
					return fmt.Errorf("create chat client: %w", cerr)
				}
				notify = chatClient
			}

			indexingSvc := indexing.New(database, mailClient, embeddingSvc, store, notify, cfg)

			user, err := database.GetUser(userID)
			if err != nil {
				return fmt.Errorf("look up user %d: %w", userID, err)
			}
			if user == nil {
				return fmt.Errorf("no user with id %d", userID)
			}

			runCtx, runCancel := context.WithTimeout(context.Background(), taskrunner.BackfillTimeout)
			defer runCancel()
			if err := indexingSvc.StartIndexing(runCtx, userID, user.ChatChannelID.String); err != nil {
				return fmt.Errorf("start indexing: %w", err)
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("Indexing started for user %d.", userID)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "User id to index")
	return cmd
}

// chatNotifier mirrors indexing's unexported notifier interface structurally
// so a nil completion-notification client can be passed as a true nil
// interface value instead of a typed-nil *chat.Client.
type chatNotifier interface {
	Send(ctx context.Context, chatChannelID, text string) (string, error)
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintln(os.Stderr, errorStyle.Render("missing required environment variable: "+key))
		os.Exit(1)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
