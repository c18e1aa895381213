// cmd/tig/main.go
package main

import (
	"fmt"
	"os"

	"tigguard/internal/config"
	"tigguard/internal/dirstate"
	"tigguard/internal/logging"
	"tigguard/internal/repo"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger = logging.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "tig",
	Short: "Tig tracks the working directory state of a repository",
	Long: `Tig records which files are tracked, added and removed in a working
directory. Every change to that record is guarded by a backup, so a failed
or interrupted command leaves it exactly as it was.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func setup(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.Path()
	}

	var err error
	cfg, err = config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err = logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default config/config.$TIG_ENV.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Tig repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}

			if err := repo.Initialize(dir); err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}

			fmt.Println("Initialized empty Tig repository in", dir)
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show tracked files and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")

			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			statuses, err := r.Status()
			if err != nil {
				return err
			}
			printStatus(statuses, all)
			return nil
		},
	}
	statusCmd.Flags().BoolP("all", "A", false, "include clean files")

	var addCmd = &cobra.Command{
		Use:   "add [paths...]",
		Short: "Start tracking files",
		Args:  cobra.MinimumNArgs(1),
		RunE: withRepo(func(r *repo.Repo, args []string) error {
			if err := r.Add(args); err != nil {
				return err
			}
			fmt.Printf("Added %d file(s)\n", len(args))
			return nil
		}),
	}

	var removeCmd = &cobra.Command{
		Use:     "remove [paths...]",
		Aliases: []string{"rm"},
		Short:   "Mark tracked files as removed",
		Args:    cobra.MinimumNArgs(1),
		RunE: withRepo(func(r *repo.Repo, args []string) error {
			if err := r.Remove(args); err != nil {
				return err
			}
			fmt.Printf("Removed %d file(s)\n", len(args))
			return nil
		}),
	}

	var forgetCmd = &cobra.Command{
		Use:   "forget [paths...]",
		Short: "Stop tracking files without marking them removed",
		Args:  cobra.MinimumNArgs(1),
		RunE: withRepo(func(r *repo.Repo, args []string) error {
			if err := r.Forget(args); err != nil {
				return err
			}
			fmt.Printf("Forgot %d file(s)\n", len(args))
			return nil
		}),
	}

	var markCleanCmd = &cobra.Command{
		Use:   "mark-clean [paths...]",
		Short: "Record tracked files as unmodified",
		Args:  cobra.MinimumNArgs(1),
		RunE: withRepo(func(r *repo.Repo, args []string) error {
			return r.MarkClean(args)
		}),
	}

	var backupsCmd = &cobra.Command{
		Use:   "backups",
		Short: "Inspect dirstate backups left behind by interrupted commands",
	}

	var listBackupsCmd = &cobra.Command{
		Use:   "list",
		Short: "List leftover dirstate backups",
		Args:  cobra.NoArgs,
		RunE: withRepo(func(r *repo.Repo, args []string) error {
			slots, err := r.ListBackups()
			if err != nil {
				return fmt.Errorf("listing backups: %w", err)
			}
			printBackups(slots)
			return nil
		}),
	}

	var restoreBackupCmd = &cobra.Command{
		Use:   "restore <scope>/<name>",
		Short: "Restore the dirstate from a leftover backup",
		Args:  cobra.ExactArgs(1),
		RunE: withRepo(func(r *repo.Repo, args []string) error {
			slot, err := r.FindBackup(args[0])
			if err != nil {
				return err
			}
			if err := r.RecoverBackup(slot); err != nil {
				return err
			}
			fmt.Println("Restored dirstate from", slot.Ref())
			return nil
		}),
	}

	var dropBackupCmd = &cobra.Command{
		Use:   "drop <scope>/<name>",
		Short: "Discard a leftover backup",
		Args:  cobra.ExactArgs(1),
		RunE: withRepo(func(r *repo.Repo, args []string) error {
			slot, err := r.FindBackup(args[0])
			if err != nil {
				return err
			}
			if err := r.DropBackup(slot); err != nil {
				return err
			}
			fmt.Println("Dropped", slot.Ref())
			return nil
		}),
	}

	backupsCmd.AddCommand(listBackupsCmd)
	backupsCmd.AddCommand(restoreBackupCmd)
	backupsCmd.AddCommand(dropBackupCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(markCleanCmd)
	rootCmd.AddCommand(backupsCmd)
}

func openRepo() (*repo.Repo, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}

	root, err := repo.FindRoot(cwd)
	if err != nil {
		return nil, err
	}

	r, err := repo.Open(root, repo.Options{
		Config: cfg,
		Logger: logger.ForRepo(root),
	})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return r, nil
}

// withRepo opens the repository around fn and closes it afterwards.
func withRepo(fn func(r *repo.Repo, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer func() {
			if err := r.Close(); err != nil {
				logger.Warn("closing repository", zap.Error(err))
			}
		}()
		return fn(r, args)
	}
}

func printStatus(statuses []repo.FileStatus, all bool) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	shown := 0
	for _, s := range statuses {
		var mark string
		switch {
		case s.Missing:
			mark = red("!")
		case s.Status == dirstate.StatusAdded:
			mark = green("A")
		case s.Status == dirstate.StatusRemoved:
			mark = red("R")
		case s.Status == dirstate.StatusMerged:
			mark = yellow("M")
		case all:
			mark = faint("C")
		default:
			continue
		}

		fmt.Printf("%s %s\n", mark, s.Path)
		if s.CopiedFrom != "" {
			fmt.Printf("  %s\n", faint(s.CopiedFrom))
		}
		shown++
	}

	if shown == 0 {
		fmt.Println("Nothing to report, dirstate is clean")
	}
}

func printBackups(slots []dirstate.Slot) {
	if len(slots) == 0 {
		fmt.Println("No dirstate backups")
		return
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Println("\nLeftover dirstate backups:")
	for _, s := range slots {
		fmt.Printf("  %s  %d bytes\n", cyan(s.Ref()), s.Size)
	}
	fmt.Println("\nRestore one with 'tig backups restore <scope>/<name>' or discard it with 'tig backups drop <scope>/<name>'.")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
