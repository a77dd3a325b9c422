package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/apoxy-dev/webserv/config"
	"github.com/apoxy-dev/webserv/pkg/log"
)

var (
	logLevel string
	logFile  string
	jsonLogs bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "webserv",
	Short: "webserv is a single-threaded HTTP/1.1 server with CGI support.",
	Long: `webserv serves static files, directory listings and CGI programs for the
virtual servers described in its YAML configuration.

Start it with 'webserv serve --config webserv.yaml'.
`,
	DisableAutoGenTag: true,
}

// ExecuteContext executes root command with context.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config.ConfigFile, "config", "c", "", "Config file (default is /etc/webserv/webserv.yaml).")
	rootCmd.PersistentFlags().BoolVarP(&config.Verbose, "verbose", "v", false, "Enable verbose output.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error. Overrides the config file.")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file. Overrides the config file.")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Emit JSON logs.")
}

// initLogging configures the default logger from cfg and the command line.
// Flags win over the config file.
func initLogging(cfg *config.Config) error {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	var opts []log.Option
	if level != "" {
		l, err := log.ParseLevel(level)
		if err != nil {
			return err
		}
		opts = append(opts, log.WithLevel(l))
	}
	if cfg.Verbose {
		opts = append(opts, log.WithDevMode())
	}
	if f := firstNonEmpty(logFile, cfg.LogFile); f != "" {
		opts = append(opts, log.WithLogFile(f))
		if cfg.Verbose {
			opts = append(opts, log.WithAlsoLogToStderr())
		}
	}
	if jsonLogs || cfg.JSONLogs {
		opts = append(opts, log.WithJSON())
	}
	return log.Init(opts...)
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

var docsCmd = &cobra.Command{
	Use:    "docs",
	Short:  "Generate the command reference",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		dir, err := cmd.Flags().GetString("dir")
		if err != nil {
			return err
		}
		return GenerateDocs(dir)
	},
}

func init() {
	docsCmd.Flags().String("dir", "./docs", "Directory to write the reference to.")
	rootCmd.AddCommand(docsCmd)
}

// GenerateDocs writes the markdown reference of every command into a single
// file in dir.
func GenerateDocs(dir string) error {
	anchorLinks := func(s string) string {
		s = strings.ReplaceAll(s, "_", "-")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, ".md", "")
		return fmt.Sprintf("#%s", s)
	}
	emptyStr := func(s string) string { return "" }
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	files, err := genMarkdownTreeCustom(rootCmd, dir, emptyStr, anchorLinks)
	if err != nil {
		return err
	}
	var combined strings.Builder
	for _, file := range files {
		f, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		combined.Write(f)
		combined.WriteString("\n\n")
	}
	if err = os.WriteFile(files[0], []byte(combined.String()), 0644); err != nil {
		return err
	}
	for _, file := range files[1:] {
		os.Remove(file)
	}
	return nil
}

func genMarkdownTreeCustom(
	cmd *cobra.Command,
	dir string,
	filePrepender, linkHandler func(string) string,
) ([]string, error) {
	log.Debugf("Generating docs for %s", cmd.CommandPath())
	basename := strings.ReplaceAll(cmd.CommandPath(), " ", "_") + ".md"
	filename := filepath.Join(dir, basename)
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := io.WriteString(f, filePrepender(filename)); err != nil {
		return nil, err
	}
	if err := doc.GenMarkdownCustom(cmd, f, linkHandler); err != nil {
		return nil, err
	}

	newFiles := []string{filename}
	for _, c := range cmd.Commands() {
		if !c.IsAvailableCommand() || c.IsAdditionalHelpTopicCommand() {
			continue
		}
		files, err := genMarkdownTreeCustom(c, dir, filePrepender, linkHandler)
		if err != nil {
			return newFiles, err
		}
		newFiles = append(newFiles, files...)
	}
	return newFiles, nil
}
