package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/exchange"
	"github.com/facebook/sapling-sub002/internal/repo"
)

var rootFlags struct {
	Debug     bool
	Directory string
}

var rootCmd = &cobra.Command{
	Use: "slx",

	// Don't automatically print errors or usage information (we handle that ourselves).
	// Cobra still prints usage if you return cmd.Usage() from RunE.
	SilenceErrors: true,
	SilenceUsage:  true,

	// Don't show "completion" command in help menu
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if rootFlags.Debug {
			logrus.SetLevel(logrus.DebugLevel)
			logrus.Debug("enabled debug logging")
		}

		var configDirs []string
		if dir, err := repoDir(); err == nil {
			configDirs = append(configDirs, filepath.Join(dir, repo.SlxDirName))
		}
		didLoadConfig, err := config.Load(configDirs)
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		if didLoadConfig {
			logrus.Debug("loaded configuration")
		} else {
			logrus.Debug("no configuration found")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(
		&rootFlags.Debug, "debug", false,
		"enable verbose debug logging",
	)
	rootCmd.PersistentFlags().StringVarP(
		&rootFlags.Directory, "repo", "C", "",
		"directory of the repository to operate on",
	)
	rootCmd.AddCommand(
		bookmarkCmd,
		bundleCmd,
		commitCmd,
		debugDiscoveryCmd,
		debugRollbackCmd,
		initCmd,
		phaseCmd,
		pullCmd,
		pushCmd,
		recoverCmd,
		serveCmd,
		unbundleCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitSilently exchange.ErrExitSilently
		if errors.As(err, &exitSilently) {
			os.Exit(exitSilently.ExitCode)
		}
		if rootFlags.Debug {
			stackTrace := fmt.Sprintf("%+v", err)
			_, _ = fmt.Fprintf(os.Stderr, "error: %s\n%s\n", err, indent(stackTrace, "\t"))
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		os.Exit(1)
	}
}

func indent(s string, prefix string) string {
	return prefix + strings.Replace(s, "\n", "\n"+prefix, -1)
}

// repoDir resolves the repository root: the --repo flag or the first
// ancestor of the working directory containing a .slx directory.
func repoDir() (string, error) {
	if rootFlags.Directory != "" {
		return rootFlags.Directory, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, repo.SlxDirName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.WithDetails(repo.ErrNotARepo, "path", dir)
		}
		dir = parent
	}
}

func openRepo() (*repo.Repo, error) {
	dir, err := repoDir()
	if err != nil {
		return nil, err
	}
	return repo.Open(dir)
}
