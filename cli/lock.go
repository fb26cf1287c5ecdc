package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/colors"
	"github.com/javanhut/Ivaldi-graph/internal/locks"
)

var (
	lockRead      bool
	lockRecursive bool
	lockTimeout   time.Duration
	unlockAll     bool
)

// Locks outlive one invocation only through a durable area, so lock always enables one and
// records its id under the repository directory.
var lockCmd = &cobra.Command{
	Use:   "lock <id>...",
	Short: "Lock objects until unlocked",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		s, err := openSession(ctx, branch.Latest(branch.Main))
		if err != nil {
			return err
		}
		defer s.Close(ctx)

		typ := locks.Write
		if lockRead {
			typ = locks.Read
		}
		timeout := lockTimeout
		if !cmd.Flags().Changed("timeout") {
			timeout = cfg.View.Timeout()
		}
		if err := s.view.LockWithRetry(ctx, ids, typ, timeout, lockRecursive); err != nil {
			return err
		}
		area, err := s.view.EnableDurableLocking(ctx)
		if err != nil {
			return err
		}
		if err := writeArea(area); err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Printf("%s %s %s\n", colors.SuccessText("Locked"), colors.Bold(id.String()), typ)
		}
		fmt.Println(colors.Dim("durable area " + area))
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock [id]...",
	Short: "Release locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 0 && !unlockAll {
			return fmt.Errorf("name objects to unlock or pass --all")
		}
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		s, err := openSession(ctx, branch.Latest(branch.Main))
		if err != nil {
			return err
		}
		defer s.Close(ctx)

		if unlockAll {
			if err := s.view.DisableDurableLocking(ctx, true); err != nil {
				return err
			}
			if err := writeArea(""); err != nil {
				return err
			}
			fmt.Println(colors.SuccessText("Released every lock"))
			return nil
		}
		if err := s.view.Unlock(ctx, ids, 0, lockRecursive); err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Printf("%s %s\n", colors.SuccessText("Unlocked"), colors.Bold(id.String()))
		}
		return nil
	},
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List the locks held by this repository's durable area",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, branch.Latest(branch.Main))
		if err != nil {
			return err
		}
		defer s.Close(ctx)

		area := s.view.DurableArea()
		if area == "" {
			fmt.Println(colors.Gray("no durable locks"))
			return nil
		}
		fmt.Println(colors.SectionHeader("Locks in area " + area + ":"))
		for _, typ := range []locks.Type{locks.Write, locks.Read} {
			for _, id := range s.view.HeldLocks(typ) {
				fmt.Printf("  %s %s\n", colors.LockMarker(typ == locks.Write, typ == locks.Read, true), id)
			}
		}
		return nil
	},
}

func init() {
	lockCmd.Flags().BoolVar(&lockRead, "read", false, "Take read locks instead of write locks")
	lockCmd.Flags().DurationVar(&lockTimeout, "timeout", 0, "How long to wait for locks held elsewhere (default view.lock_timeout)")
	for _, c := range []*cobra.Command{lockCmd, unlockCmd} {
		c.Flags().BoolVarP(&lockRecursive, "recursive", "r", false, "Include contained objects")
	}
	unlockCmd.Flags().BoolVar(&unlockAll, "all", false, "Release every lock and end durable locking")
}
