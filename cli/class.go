package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/colors"
	"github.com/javanhut/Ivaldi-graph/internal/model"
)

var classCmd = &cobra.Command{
	Use:   "class",
	Short: "Manage object classes",
}

var classDefineCmd = &cobra.Command{
	Use:   "define <name> <feature:kind>...",
	Short: "Define a class",
	Long: `Define a class from its features. Kinds are attr, ref and contains; a trailing * makes
an attribute or reference many-valued.

Examples:
  ivg class define Folder name:attr tags:attr* owner:ref children:contains`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		features := make([]model.Feature, 0, len(args)-1)
		for _, a := range args[1:] {
			f, err := model.ParseFeature(a)
			if err != nil {
				return err
			}
			features = append(features, f)
		}
		c, err := model.NewClass(args[0], features...)
		if err != nil {
			return err
		}

		s, err := openSession(cmd.Context(), branch.Latest(branch.Main))
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())
		if err := s.repo.DefineClass(c); err != nil {
			return err
		}
		fmt.Printf("%s class %s\n", colors.SuccessText("Defined"), colors.Bold(c.Name))
		return nil
	},
}

var classListCmd = &cobra.Command{
	Use:   "list",
	Short: "List classes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), branch.Latest(branch.Main))
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())
		classes := s.repo.Classes().List()
		if len(classes) == 0 {
			fmt.Println(colors.Gray("no classes defined"))
			return nil
		}
		for _, c := range classes {
			fmt.Printf("%s %s\n", colors.Bold(c.Name), describeFeatures(c))
		}
		return nil
	},
}

func describeFeatures(c *model.Class) string {
	parts := make([]string, 0, len(c.Features))
	for _, f := range c.Features {
		kind := map[model.FeatureKind]string{model.Attribute: "attr", model.Reference: "ref", model.Containment: "contains"}[f.Kind]
		if f.Many && f.Kind != model.Containment {
			kind += "*"
		}
		parts = append(parts, f.Name+":"+kind)
	}
	return colors.Dim(strings.Join(parts, " "))
}
