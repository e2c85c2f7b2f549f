// Package cmd provides the command-line interface for sigmadex.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"sigmadex/bootstrap"
	"sigmadex/config"
	"sigmadex/search"
	"sigmadex/storage"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// defaultTimeout bounds a single CLI invocation.
const defaultTimeout = 5 * time.Minute

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configFile string
	corpusDir  string
	sqlitePath string
	outputJSON bool
	noColor    bool
	quiet      bool
	verbose    bool
}

// NewCorpusCmd creates the root corpus command with all subcommands.
func NewCorpusCmd() *cobra.Command {
	opts := &globalOptions{}

	corpusCmd := &cobra.Command{
		Use:   "corpus",
		Short: "Index and query a Sigma rule directory",
		Long: `Index and query a Sigma rule directory without starting the HTTP server.

Every command loads the configured rule directory into a fresh index first,
so results always reflect the files on disk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	corpusCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	corpusCmd.PersistentFlags().StringVar(&opts.corpusDir, "corpus", "", "Rule directory, overrides corpus.root")
	corpusCmd.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite", storage.MemoryPath, "Index database path")
	corpusCmd.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	corpusCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	corpusCmd.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "Suppress non-essential output")
	corpusCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log loader warnings to stderr")

	corpusCmd.AddCommand(newIndexCmd(opts))
	corpusCmd.AddCommand(newSearchCmd(opts))
	corpusCmd.AddCommand(newDocumentsCmd(opts))
	corpusCmd.AddCommand(newShowCmd(opts))
	corpusCmd.AddCommand(newStatsCmd(opts))

	return corpusCmd
}

// session is one loaded index plus the service reading it.
type session struct {
	cfg        *config.Config
	components *bootstrap.IndexComponents
	service    *search.Service
}

func (s *session) Close() {
	s.components.Close()
}

// openSession loads configuration and builds an index, showing a spinner on stderr.
func openSession(ctx context.Context, cmd *cobra.Command, opts *globalOptions) (*session, error) {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return nil, err
	}
	if opts.corpusDir != "" {
		cfg.Corpus.Root = opts.corpusDir
	}
	cfg.Storage.SQLitePath = opts.sqlitePath
	cfg.ResolvePaths()

	logger := newCLILogger(cmd.ErrOrStderr(), opts.verbose)

	var s *spinner.Spinner
	if !opts.outputJSON && !opts.quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
		s.Suffix = " Indexing " + cfg.Corpus.Root + "..."
		s.Start()
	}

	components, err := bootstrap.BuildIndex(ctx, cfg, logger)

	if s != nil {
		s.Stop()
	}
	if err != nil {
		return nil, err
	}

	svc, err := search.NewService(components.Index, cfg.Corpus.Root, search.Options{
		MaxResults:       cfg.Search.MaxResults,
		CacheSize:        0,
		Extensions:       cfg.Corpus.Extensions,
		MaxDocumentBytes: cfg.Search.MaxDocumentBytes,
	}, logger)
	if err != nil {
		components.Close()
		return nil, err
	}

	return &session{cfg: cfg, components: components, service: svc}, nil
}

// newCLILogger logs to stderr so stdout stays parseable.
func newCLILogger(w io.Writer, verbose bool) *zap.SugaredLogger {
	if !verbose {
		return zap.NewNop().Sugar()
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), zapcore.WarnLevel)
	return zap.New(core).Sugar()
}

// newIndexCmd creates the 'index' subcommand
func newIndexCmd(opts *globalOptions) *cobra.Command {
	var showErrors bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load the rule directory and report what was indexed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			sess, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			summary := newIndexSummary(sess.components)
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), summary)
			}
			renderIndexSummary(cmd.OutOrStdout(), summary, showErrors)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showErrors, "show-errors", false, "List every file that failed to parse or had data quality issues")
	return cmd
}

// newSearchCmd creates the 'search' subcommand
func newSearchCmd(opts *globalOptions) *cobra.Command {
	var source, column, question string

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find rows whose column contains a term",
		Example: `  sigmadex corpus search --source logsources --column product --question windows
  sigmadex corpus search --source selections --column '*' --question mimikatz`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			sess, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			rows, err := sess.service.SearchByTerm(ctx, source, column, question)
			if err != nil {
				return err
			}
			if rows == nil {
				rows = []search.Row{}
			}
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), rows)
			}
			renderRows(cmd.OutOrStdout(), rows, opts.quiet)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Table to search: logsources or selections")
	cmd.Flags().StringVar(&column, "column", "*", "Column to match, or * for every column")
	cmd.Flags().StringVar(&question, "question", "", "Substring to look for; empty matches every row")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

// newDocumentsCmd creates the 'documents' subcommand
func newDocumentsCmd(opts *globalOptions) *cobra.Command {
	var q search.DocumentQuery

	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List documents matching a term, optionally within another match",
		Example: `  sigmadex corpus documents --source selections --column value --question whoami \
      --within logsources --within-column product --within-question windows`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.Within != "" && q.WithinColumn == "" {
				return fmt.Errorf("%w: --within-column is required with --within", search.ErrInvalidQuery)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			sess, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			docs, err := sess.service.SearchDocuments(ctx, q)
			if err != nil {
				return err
			}
			if docs == nil {
				docs = []string{}
			}
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), docs)
			}
			for _, doc := range docs {
				fmt.Fprintln(cmd.OutOrStdout(), doc)
			}
			if !opts.quiet {
				infoColor.Fprintf(cmd.ErrOrStderr(), "%d document(s)\n", len(docs))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&q.Source, "source", "", "Table to search")
	cmd.Flags().StringVar(&q.Column, "column", "*", "Column to match, or *")
	cmd.Flags().StringVar(&q.Term, "question", "", "Substring to look for")
	cmd.Flags().StringVar(&q.Within, "within", "", "Restrict to documents also matching in this table")
	cmd.Flags().StringVar(&q.WithinColumn, "within-column", "", "Column of the --within table")
	cmd.Flags().StringVar(&q.WithinTerm, "within-question", "", "Substring for the --within table")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

// newShowCmd creates the 'show' subcommand
func newShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <document>",
		Short: "Print a rule document by its corpus-relative id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			sess, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			content, err := sess.service.FetchDocument(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), content)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), content)
			return err
		},
	}
}

// newStatsCmd creates the 'stats' subcommand
func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			sess, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			stats, err := sess.service.Stats(ctx)
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), stats)
			}
			renderStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

// outputAsJSON writes data as indented JSON.
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Execute runs the corpus command with args and returns a process exit code.
func Execute(ctx context.Context, args []string) int {
	corpusCmd := NewCorpusCmd()
	corpusCmd.SetArgs(args)
	if err := corpusCmd.ExecuteContext(ctx); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
