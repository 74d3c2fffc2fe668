package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bookbridge/readalong/internal/store"
	"github.com/bookbridge/readalong/playback"
)

var (
	calibrationCmd = &cobra.Command{
		Use:   "calibration",
		Short: "Inspect or reset learned playback offsets",
		Long: paragraph(fmt.Sprintf("\nThe reader learns how far the audio runs ahead of the highlight for each book. %s the stored offsets.", keyword("Show or reset"))),
	}

	calibrationShowCmd = &cobra.Command{
		Use:     "show [BOOK]",
		Short:   "List stored calibration profiles",
		Example: paragraph("readalong calibration show\nreadalong calibration show moby-dick"),
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			book := ""
			if len(args) == 1 {
				book = args[0]
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				return showProfiles(ctx, s, book, cmd.OutOrStdout())
			})
		},
	}

	calibrationResetCmd = &cobra.Command{
		Use:     "reset BOOK",
		Short:   "Forget the calibration of a book",
		Example: paragraph("readalong calibration reset moby-dick\nreadalong calibration reset moby-dick --level B1"),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("level")
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				n, err := resetProfiles(ctx, s, args[0], playback.CEFRLevel(level))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d calibration profile(s) for %s\n", n, args[0])
				return nil
			})
		},
	}
)

func init() {
	calibrationResetCmd.Flags().String("level", "", "only reset the profile of one level")
	calibrationCmd.AddCommand(calibrationShowCmd, calibrationResetCmd)
}

func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("playback.calibration.save_timeout")+5*time.Second)
	defer cancel()

	err = fn(ctx, s)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func showProfiles(ctx context.Context, s store.Store, book string, w io.Writer) error {
	profiles, err := s.List(ctx, book)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Fprintln(w, dim("No calibration profiles yet."))
		return nil
	}
	fmt.Fprintf(w, "%-24s %9s %8s %11s  %s\n", "PROFILE", "OFFSET", "SAMPLES", "CONFIDENCE", "UPDATED")
	for _, p := range profiles {
		fmt.Fprintf(w, "%-24s %+7dms %8d %10.0f%%  %s\n",
			p.Key, p.Offset.Milliseconds(), p.SampleCount, p.Confidence*100, humanize.Time(p.UpdatedAt))
	}
	return nil
}

// resetProfiles deletes the profiles of a book, or only its per-level
// profile when level is set. It returns how many were removed.
func resetProfiles(ctx context.Context, s store.Store, book string, level playback.CEFRLevel) (int, error) {
	if level != "" && !level.Valid() {
		return 0, fmt.Errorf("invalid level %q", level)
	}
	profiles, err := s.List(ctx, book)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range profiles {
		if level != "" && p.Key != book+"/"+string(level) {
			continue
		}
		if err := s.Delete(ctx, p.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
