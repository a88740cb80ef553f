package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"VideoAgent-server/models"
	"VideoAgent-server/repair"
)

func newRepairCommand() *cobra.Command {
	var (
		mode       string
		segment    float64
		minShot    float64
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "repair FILE",
		Short: "离线修复一份分镜 JSON 并打印修改记录",
		Long:  "Parse a model's script analysis (FILE or - for stdin), repair it and print the result.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			analysis, err := repair.ParseAnalysis(raw)
			if err != nil {
				return err
			}
			fixed, changes := repair.New(repair.Options{
				Mode:            mode,
				SegmentDuration: segment,
				MinShotDuration: minShot,
			}).Repair(analysis)

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Analysis models.ScriptAnalysis `json:"analysis"`
					Changes  repair.ChangeLog      `json:"changes"`
				}{fixed, changes})
			}
			fmt.Fprintln(out, renderShots(fixed))
			if len(changes) == 0 {
				fmt.Fprintln(out, "No changes.")
				return nil
			}
			fmt.Fprintln(out, renderChanges(changes))
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", models.ModeScript, "Project mode (script or video)")
	cmd.Flags().Float64Var(&segment, "segment", 0, "Script-mode shot duration in seconds")
	cmd.Flags().Float64Var(&minShot, "min-shot", 0, "Video-mode minimum shot duration in seconds")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the repaired analysis as JSON")
	return cmd
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func renderShots(a models.ScriptAnalysis) string {
	rows := make([][]string, 0, len(a.Shots))
	for _, s := range a.Shots {
		rows = append(rows, []string{
			strconv.Itoa(s.Number),
			s.TimeRange,
			strconv.FormatFloat(s.DurationSeconds, 'f', -1, 64),
			strings.Join(s.Characters, ", "),
			s.Description,
		})
	}
	return renderTable([]string{"#", "Time", "Sec", "Characters", "Description"}, rows, 3)
}

func renderChanges(log repair.ChangeLog) string {
	rows := make([][]string, 0, len(log))
	for _, c := range log {
		rows = append(rows, []string{c.Step, strconv.Itoa(c.Shot), c.Detail})
	}
	return renderTable([]string{"Step", "Shot", "Detail"}, rows, 0)
}

// renderTable 前 rightAligned 列右对齐
func renderTable(headers []string, rows [][]string, rightAligned int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(headers))
	for i := range headers {
		align := text.AlignLeft
		if i < rightAligned {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
