package commands

import (
	"fmt"

	"github.com/bryanchriswhite/FrameDoubler/internal/present"
	"github.com/spf13/cobra"
)

var layoutCmd = &cobra.Command{
	Use:   "layout FRAME OUTPUT",
	Short: "Show how a frame size maps onto an output",
	Long: `Print the letterbox scale and offsets used to fit frames of one size
into an output of another. Both sizes are given as WIDTHxHEIGHT.`,
	Example: `  # A 1280x720 working frame on a 1920x1200 monitor
  framedoubler layout 1280x720 1920x1200`,
	Args: cobra.ExactArgs(2),
	RunE: runLayout,
}

func init() {
	rootCmd.AddCommand(layoutCmd)
}

func runLayout(cmd *cobra.Command, args []string) error {
	fw, fh, err := parseSize(args[0])
	if err != nil {
		return err
	}
	ow, oh, err := parseSize(args[1])
	if err != nil {
		return err
	}

	l, err := present.ComputeLayout(fw, fh, ow, oh)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Frame:   %dx%d\n", fw, fh)
	fmt.Fprintf(out, "Output:  %dx%d\n", ow, oh)
	fmt.Fprintf(out, "Scale:   %.4f\n", l.ScaleX)
	fmt.Fprintf(out, "Offset:  (%.1f, %.1f)\n", l.OffsetX, l.OffsetY)
	fmt.Fprintf(out, "Content: %.0fx%.0f\n", float64(fw)*l.ScaleX, float64(fh)*l.ScaleY)
	return nil
}
