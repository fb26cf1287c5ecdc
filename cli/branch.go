package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/colors"
)

var branchFrom string

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a branch",
	Long: `Create a branch forked from a base point, by default the latest state of main.

Examples:
  ivg branch create main/dev
  ivg branch create fix --from main@1712000000000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := pointFlag(branchFrom)
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), branch.Latest(branch.Main))
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())
		b, err := s.repo.CreateBranch(args[0], base)
		if err != nil {
			return err
		}
		fmt.Printf("%s branch %s from %s\n", colors.SuccessText("Created"), colors.Bold(b.Name), b.Base)
		return nil
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), branch.Latest(branch.Main))
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())
		for _, b := range s.repo.Branches() {
			if b.IsRoot() {
				fmt.Printf("%s\n", colors.Bold(b.Name))
				continue
			}
			fmt.Printf("%s %s\n", colors.Bold(b.Name), colors.Dim("from "+b.Base.String()))
		}
		return nil
	},
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchFrom, "from", "", "Base point (branch[@timestamp])")
}
