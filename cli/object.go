package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/colors"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
	"github.com/javanhut/Ivaldi-graph/internal/model"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
	"github.com/javanhut/Ivaldi-graph/internal/view"
)

var (
	createIn    string
	createField string
	onBranch    string
	showAt      string
	showDepth   int
)

var createCmd = &cobra.Command{
	Use:   "create <class> [feature=value]...",
	Short: "Create an object",
	Long: `Create an object and commit it. Values are parsed as null, true/false, numbers,
@<id> references or strings.

Examples:
  ivg create Folder name=docs
  ivg create Folder name=notes --in p:1 --field children`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		features, values, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}
		return withWrite(cmd.Context(), func(ctx context.Context, v *view.View) error {
			h, err := v.NewObject(args[0])
			if err != nil {
				return err
			}
			for i, f := range features {
				if err := h.Set(ctx, f, values[i]); err != nil {
					return err
				}
			}
			if createIn == "" {
				return v.Attach(ctx, h)
			}
			parent, err := getObject(ctx, v, createIn)
			if err != nil {
				return err
			}
			return parent.AddChild(ctx, createField, -1, h)
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <id> <feature=value>...",
	Short: "Set single-valued features",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		features, values, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}
		return withObject(cmd.Context(), args[0], func(ctx context.Context, h *view.Handle) error {
			for i, f := range features {
				if err := h.Set(ctx, f, values[i]); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var unsetCmd = &cobra.Command{
	Use:   "unset <id> <feature>...",
	Short: "Clear features",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withObject(cmd.Context(), args[0], func(ctx context.Context, h *view.Handle) error {
			for _, f := range args[1:] {
				if err := h.Unset(ctx, f); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add <id> <feature> <value>...",
	Short: "Append values to a many-valued feature",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		vals := make([]revision.Value, 0, len(args)-2)
		for _, a := range args[2:] {
			val, err := revision.ParseValue(a)
			if err != nil {
				return err
			}
			vals = append(vals, val)
		}
		return withObject(cmd.Context(), args[0], func(ctx context.Context, h *view.Handle) error {
			for _, val := range vals {
				if err := h.Add(ctx, args[1], val); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete objects and everything they contain",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWrite(cmd.Context(), func(ctx context.Context, v *view.View) error {
			for _, a := range args {
				h, err := getObject(ctx, v, a)
				if err != nil {
					return err
				}
				if err := v.Delete(ctx, h); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show an object, or list root objects",
	Long: `Show an object with its features and children. Without an id the root objects are
listed. --at reads a branch point such as main@latest or dev@1712000000000.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		point, err := pointFlag(showAt)
		if err != nil {
			return err
		}
		s, err := openSession(ctx, point)
		if err != nil {
			return err
		}
		defer s.Close(ctx)

		if len(args) == 0 {
			roots, err := s.view.Roots(ctx)
			if err != nil {
				return err
			}
			fmt.Println(colors.SectionHeader(fmt.Sprintf("Roots at %s:", point)))
			for _, h := range roots {
				fmt.Println(colors.ColorizeObject(h.State(), h.ID().String(), className(h), summary(ctx, h)))
			}
			return nil
		}

		id, err := parseIDs(args)
		if err != nil {
			return err
		}
		s.view.Prefetch(ctx, id[0], showDepth)
		h, err := s.view.Get(ctx, id[0], true)
		if err != nil {
			return err
		}
		return printObject(ctx, s.view, h)
	},
}

var logCmd = &cobra.Command{
	Use:   "log <id>",
	Short: "Show the revision history of an object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		name := onBranch
		if name == "" {
			name = branch.Main
		}
		s, err := openSession(ctx, branch.Latest(name))
		if err != nil {
			return err
		}
		defer s.Close(ctx)

		history := s.repo.History(ids[0], name)
		if len(history) == 0 {
			fmt.Println(colors.Gray(fmt.Sprintf("no revisions of %s on %s", ids[0], name)))
			return nil
		}
		for i := len(history) - 1; i >= 0; i-- {
			r := history[i]
			when := time.UnixMilli(r.Timestamp()).Format(time.RFC3339)
			digest := r.ContentDigest()
			fmt.Printf("%s %s %s\n", colors.Yellow(r.Key().String()), colors.Dim(when), colors.Gray(fmt.Sprintf("%x", digest[:6])))
			if i > 0 {
				d, err := revision.Diff(history[i-1], r)
				if err != nil {
					return err
				}
				for _, fd := range d.Deltas {
					fmt.Printf("    %s\n", fd.String())
				}
			}
		}
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createIn, "in", "", "Container object id")
	createCmd.Flags().StringVar(&createField, "field", "children", "Containment feature of the container")
	showCmd.Flags().StringVar(&showAt, "at", "", "Branch point to read (branch[@timestamp])")
	showCmd.Flags().IntVar(&showDepth, "depth", 1, "Reference levels to prefetch")
	logCmd.Flags().StringVar(&onBranch, "branch", "", "Branch to read history from")
	for _, c := range []*cobra.Command{createCmd, setCmd, unsetCmd, addCmd, deleteCmd} {
		c.Flags().StringVar(&onBranch, "branch", "", "Branch to write to")
	}
}

// withWrite runs fn in a transactional view on --branch and commits.
func withWrite(ctx context.Context, fn func(ctx context.Context, v *view.View) error) error {
	name := onBranch
	if name == "" {
		name = branch.Main
	}
	s, err := openSession(ctx, branch.Latest(name))
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if err := fn(ctx, s.view); err != nil {
		_ = s.view.Rollback(ctx)
		return err
	}
	info, err := s.view.Commit(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s at %d: %d new, %d changed, %d deleted\n",
		colors.SuccessText("Committed"), info.Timestamp, info.New, info.Changed, info.Detached)
	for tmp, id := range info.Mappings {
		fmt.Printf("  %s %s\n", colors.Dim(tmp.String()+" ->"), colors.Bold(id.String()))
	}
	return nil
}

func withObject(ctx context.Context, arg string, fn func(ctx context.Context, h *view.Handle) error) error {
	return withWrite(ctx, func(ctx context.Context, v *view.View) error {
		h, err := getObject(ctx, v, arg)
		if err != nil {
			return err
		}
		return fn(ctx, h)
	})
}

func getObject(ctx context.Context, v *view.View, arg string) (*view.Handle, error) {
	ids, err := parseIDs([]string{arg})
	if err != nil {
		return nil, err
	}
	return v.Get(ctx, ids[0], true)
}

func className(h *view.Handle) string {
	if c := h.Class(); c != nil {
		return c.Name
	}
	return "?"
}

// summary is the first string attribute of h, which is usually its name.
func summary(ctx context.Context, h *view.Handle) string {
	c := h.Class()
	if c == nil {
		return ""
	}
	for _, f := range c.Features {
		if f.Kind != model.Attribute || f.Many {
			continue
		}
		val, err := h.Get(ctx, f.Name)
		if err != nil {
			continue
		}
		if s, ok := val.AsString(); ok {
			return s
		}
	}
	return ""
}

func printObject(ctx context.Context, v *view.View, h *view.Handle) error {
	r := h.Revision()
	fmt.Printf("%s %s %s\n", colors.Bold(h.ID().String()), className(h), colors.State(h.State()))
	if r != nil {
		fmt.Printf("  %s %s\n", colors.Dim("revision"), colors.Yellow(r.Key().String()))
	}
	if ts := h.RevisedAt(); ts != 0 {
		fmt.Printf("  %s %d\n", colors.Dim("revised at"), ts)
	}
	if c := h.Class(); c != nil {
		for _, f := range c.Features {
			values, err := h.List(ctx, f.Name)
			if err != nil {
				return err
			}
			rendered := make([]string, len(values))
			for i, val := range values {
				rendered[i] = val.String()
			}
			fmt.Printf("  %-12s %s\n", f.Name, colors.InfoText(strings.Join(rendered, ", ")))
		}
	}
	id := h.ID()
	marker := colors.LockMarker(
		v.IsLocked(id, locks.Write, false) || v.IsLocked(id, locks.Write, true),
		v.IsLocked(id, locks.Read, false) || v.IsLocked(id, locks.Read, true),
		v.IsLocked(id, locks.Write, false) || v.IsLocked(id, locks.Read, false))
	fmt.Printf("  %-12s %s\n", "lock", marker)
	return nil
}
