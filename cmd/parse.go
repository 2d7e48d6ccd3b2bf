package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/edaloom/internal/response"
	"github.com/KaramelBytes/edaloom/internal/utils"
)

var parseStrict bool

// errNoBlock is returned under --strict when the protocol block is absent.
var errNoBlock = errors.New("no protocol block found in input")

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse saved model replies into JSON",
}

var parseStructureCmd = &cobra.Command{
	Use:   "structure [file|-]",
	Short: "Parse a column-description reply",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		res, ok := response.New(logger).ParseStructure(text)
		if !ok {
			return emitUnparsed(cmd)
		}
		return emitJSON(cmd, res)
	},
}

var parseMetricsCmd = &cobra.Command{
	Use:   "metrics [file|-]",
	Short: "Parse a metrics-plan reply",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		plan, ok := response.New(logger).ParseMetricsPlan(text)
		if !ok {
			return emitUnparsed(cmd)
		}
		return emitJSON(cmd, plan)
	},
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(b), nil
}

// emitUnparsed prints {} for a reply without the block, or fails under --strict.
func emitUnparsed(cmd *cobra.Command) error {
	if parseStrict {
		return errNoBlock
	}
	fmt.Fprintln(cmd.OutOrStdout(), "{}")
	return nil
}

func emitJSON(cmd *cobra.Command, v any) error {
	b, err := utils.PrettyJSON(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

func init() {
	rootCmd.AddCommand(parseCmd)
	parseCmd.AddCommand(parseStructureCmd)
	parseCmd.AddCommand(parseMetricsCmd)
	parseCmd.PersistentFlags().BoolVar(&parseStrict, "strict", false, "exit non-zero when the reply has no protocol block")
}
