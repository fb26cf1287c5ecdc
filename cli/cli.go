package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanhut/Ivaldi-graph/internal/colors"
	"github.com/javanhut/Ivaldi-graph/internal/config"
	"github.com/javanhut/Ivaldi-graph/internal/repo"
	"github.com/javanhut/Ivaldi-graph/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ivg",
	Short: "Ivaldi Graph is a branched, versioned object-graph store",
	Long: `ivg works on a local Ivaldi Graph repository: define classes, create and edit objects,
browse history at any branch point, and hold locks across invocations.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var initialCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize",
	Long:  "Initializes a new Ivaldi Graph repository in the current directory",
	Args:  cobra.NoArgs,
	RunE:  initCommand,
}

var (
	cfg     *config.Config
	verbose bool
	noColor bool
)

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initialCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(classCmd)
	classCmd.AddCommand(classDefineCmd, classListCmd)

	// Object commands
	rootCmd.AddCommand(createCmd, setCmd, unsetCmd, addCmd, deleteCmd, showCmd, logCmd)

	rootCmd.AddCommand(branchCmd)
	branchCmd.AddCommand(branchCreateCmd, branchListCmd)

	// Lock commands
	rootCmd.AddCommand(lockCmd, unlockCmd, locksCmd)
}

// setup loads the configuration and configures logging for every command.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadConfig()
	if err != nil {
		return err
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if noColor {
		colors.SetColorEnabled(false)
	}
	return nil
}

func initCommand(cmd *cobra.Command, args []string) error {
	if err := os.Mkdir(repoDir, os.ModePerm); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists", repoDir)
		}
		return err
	}

	db, err := store.GetSharedDB(repoDir)
	if err != nil {
		return err
	}
	defer db.Close()
	r, err := repo.OpenLocal(db.DB, repo.WithLogger(logrus.WithField("cmd", "init")))
	if err != nil {
		return err
	}
	defer r.Close()

	workDir, _ := os.Getwd()
	fmt.Printf("%s Ivaldi Graph repository in %s\n", colors.SuccessText("Initialized"), filepath.Join(workDir, repoDir))
	fmt.Printf("Define a class next: %s\n", colors.InfoText(`ivg class define Folder name:attr children:contains`))
	return nil
}
