package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/moodlens/internal/utils"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the capture devices serve can open",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		devices, err := utils.ListVideoDevices()
		if err != nil {
			utils.ShowError("Failed to list capture devices", err, nil)
			return err
		}
		printDevices(os.Stdout, devices)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func printDevices(out io.Writer, devices []string) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No capture devices found. Use --loop with a video file to run without a webcam.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tDEVICE")
	fmt.Fprintln(w, "-\t------")
	for i, d := range devices {
		fmt.Fprintf(w, "%d\t%s\n", i, d)
	}
	w.Flush()
}
