package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/wippyai/ort-wasm/reference"
	"github.com/wippyai/ort-wasm/tensor"
)

func newInfoCmd(rt *runtimeFlags) *cobra.Command {
	sf := &sessionFlags{}
	cmd := &cobra.Command{
		Use:   "info MODEL",
		Short: "Show model inputs and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return infoHandler(cmd, rt, sf, args[0])
		},
	}
	sf.register(cmd)
	return cmd
}

func infoHandler(cmd *cobra.Command, rt *runtimeFlags, sf *sessionFlags, path string) error {
	ctx := cmd.Context()
	data, model, err := readModel(path)
	if err != nil {
		return err
	}
	opts, err := sf.options()
	if err != nil {
		return err
	}

	be, err := rt.open(ctx)
	if err != nil {
		return err
	}
	defer be.Close(ctx)

	// Creating the session checks that the engine accepts the model.
	sess, err := openSession(ctx, be, sf, data, opts)
	if err != nil {
		return err
	}
	defer sess.Release(ctx)

	var rows [][]string
	for _, name := range sess.InputNames() {
		rows = append(rows, valueRow("input", name, model.Inputs))
	}
	for _, name := range sess.OutputNames() {
		rows = append(rows, valueRow("output", name, model.Outputs))
	}

	table := newTable(cmd.OutOrStdout(), "KIND", "NAME", "TYPE", "DIMS")
	table.AppendBulk(rows)
	table.Render()

	if len(model.Constants) > 0 {
		fmt.Fprintln(cmd.OutOrStdout())
		ct := newTable(cmd.OutOrStdout(), "CONSTANT", "TYPE", "DIMS", "SOURCE")
		for _, c := range model.Constants {
			src := "inline"
			if c.File != "" {
				src = c.File
			}
			ct.Append([]string{c.Name, c.Type, tensor.NewShape(c.Dims...).String(), src})
		}
		ct.Render()
	}
	return nil
}

func valueRow(kind, name string, infos []reference.ValueInfo) []string {
	for _, info := range infos {
		if info.Name == name {
			return []string{kind, name, info.Type, formatDims(info.Dims)}
		}
	}
	return []string{kind, name, "?", "-"}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
