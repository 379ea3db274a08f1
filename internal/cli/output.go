package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	outputJSON bool
)

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show the deployed handles of the latest run",
	Long: `Reads the handles (addresses) of every resource deployed by the latest
run from its manifest.

If no name is given, all handles are displayed. If a name is given, only
that resource's handle is printed, which makes it easy to feed into other
tools.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	m, err := loadManifest("")
	if err != nil {
		return err
	}
	handles := m.Handles()

	if len(args) > 0 {
		name := args[0]
		handle, ok := handles[name]
		if !ok {
			return fmt.Errorf("resource %q has no handle in run %s", name, m.RunID)
		}
		if outputJSON {
			data, _ := json.Marshal(handle)
			fmt.Println(string(data))
		} else {
			fmt.Println(handle)
		}
		return nil
	}

	if len(handles) == 0 {
		fmt.Println("No resources deployed.")
		return nil
	}

	if outputJSON {
		data, _ := json.MarshalIndent(handles, "", "  ")
		fmt.Println(string(data))
	} else {
		renderHandles(handles)
	}

	return nil
}
