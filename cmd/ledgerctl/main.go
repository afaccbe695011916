package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/jmerrifield20/AuditLedger/internal/auth"
	"github.com/jmerrifield20/AuditLedger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	token     string
	apiKey    string
	cfgFile   string
	format    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Audit ledger CLI",
	Long: `ledgerctl talks to a ledgerd server: append records, inspect chains,
and verify that no record was altered, reordered or deleted.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".ledgerctl"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("LEDGERCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key exchanged for a token on demand")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(chainsCmd, appendCmd, headCmd, recordsCmd, verifyCmd,
		ingestCmd, tokenCmd, hashKeyCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	} else if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file argument, or stdin for "-" or no argument.
func readInput(args []string) ([]byte, string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		return b, "", err
	}
	b, err := os.ReadFile(args[0])
	return b, filepath.Base(args[0]), err
}

// ── chains ───────────────────────────────────────────────────────────────────

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List every non-empty chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ids, err := c.Chains(context.Background())
		if err != nil {
			return fmt.Errorf("list chains: %w", err)
		}
		if format == "json" {
			return printJSON(ids)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendContentType string
	appendFilename    string
)

var appendCmd = &cobra.Command{
	Use:   "append <chain> [file|-]",
	Short: "Append a record to a chain",
	Long: `append submits a file (or stdin) to a chain. JSON objects and arrays are
recorded as structured data; anything else is recorded as opaque metadata
{filename, content_type, size}.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, name, err := readInput(args[1:])
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if appendFilename != "" {
			name = appendFilename
		}
		ct := appendContentType
		if ct == "" && name != "" {
			ct = mime.TypeByExtension(filepath.Ext(name))
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.Append(context.Background(), args[0], body, ct, name)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		if format == "json" {
			return printJSON(rec)
		}
		fmt.Printf("✓ Record appended\n\n")
		printRecord(rec)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendContentType, "content-type", "", "Content-Type of the input (default: guessed from the file name)")
	appendCmd.Flags().StringVar(&appendFilename, "filename", "", "File name recorded for opaque input")
}

func printRecord(rec *client.Record) {
	prev := "(genesis)"
	if rec.PreviousHash != nil {
		prev = *rec.PreviousHash
	}
	fmt.Printf("  Chain:     %s\n", rec.ChainID)
	fmt.Printf("  Sequence:  %s\n", rec.SequenceKey)
	fmt.Printf("  ID:        %s\n", rec.ID)
	fmt.Printf("  Timestamp: %s\n", rec.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	fmt.Printf("  Kind:      %s\n", rec.DataKind)
	fmt.Printf("  Hash:      %s\n", rec.Hash)
	fmt.Printf("  Previous:  %s\n", prev)
}

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head <chain>",
	Short: "Show the newest record of a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.Head(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("head: %w", err)
		}
		if format == "json" {
			return printJSON(rec)
		}
		printRecord(rec)
		return nil
	},
}

// ── records ──────────────────────────────────────────────────────────────────

var (
	recordsAfter uint64
	recordsLimit int
	recordsAll   bool
)

var recordsCmd = &cobra.Command{
	Use:   "records <chain>",
	Short: "List records of a chain in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := fetchRecords(context.Background(), c, args[0], recordsAfter, recordsLimit, recordsAll)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(recs)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQUENCE\tID\tKIND\tHASH")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", strings.TrimLeft(r.SequenceKey, "0"), r.ID, r.DataKind, r.Hash)
		}
		return w.Flush()
	},
}

func init() {
	recordsCmd.Flags().Uint64Var(&recordsAfter, "after", 0, "Only records with a greater sequence")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 100, "Page size")
	recordsCmd.Flags().BoolVar(&recordsAll, "all", false, "Follow pages until the end of the chain")
}

// fetchRecords pages through chainID starting after the given sequence.
func fetchRecords(ctx context.Context, c *client.Client, chainID string, after uint64, limit int, all bool) ([]*client.Record, error) {
	var out []*client.Record
	for {
		page, err := c.Records(ctx, chainID, after, limit)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		out = append(out, page.Records...)
		if !all || page.NextAfter == 0 {
			return out, nil
		}
		after = page.NextAfter
	}
}

// ── ingest ───────────────────────────────────────────────────────────────────

var ingestCmd = &cobra.Command{
	Use:   "ingest [event.json|-]",
	Short: "Submit an S3 object-created event notification",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _, err := readInput(args)
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := c.IngestS3Event(context.Background(), body)
		for _, r := range recs {
			fmt.Printf("✓ %s #%s %s\n", r.ChainID, strings.TrimLeft(r.SequenceKey, "0"), r.ID)
		}
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSubject string
	tokenScopes  []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange an API key for a bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if apiKey == "" {
			return fmt.Errorf("--api-key (or api_key in config) is required")
		}
		c, err := client.New(serverURL, client.WithAPIKey(apiKey))
		if err != nil {
			return err
		}
		tok, err := c.FetchToken(context.Background(), tokenSubject, tokenScopes...)
		if err != nil {
			return fmt.Errorf("fetch token: %w", err)
		}
		if format == "json" {
			return printJSON(tok)
		}
		fmt.Println(tok.AccessToken)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "Scopes to request (ledger:append, ledger:read)")
}

// ── hash-key ─────────────────────────────────────────────────────────────────

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the bcrypt hash to configure as auth.api_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashAPIKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
