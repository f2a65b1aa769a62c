package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zboralski/vhook/internal/emulator"
	"github.com/zboralski/vhook/internal/stubs"
	"github.com/zboralski/vhook/internal/ui/colorize"
	"github.com/zboralski/vhook/internal/vtable"
)

func newSlotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slots <binary.so> [class...]",
		Short: "List resolved vtable slots with the first instruction of each target",
		Args:  cobra.MinimumNArgs(1),
		RunE:  showSlots,
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <binary.so>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
}

func newOffsetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offsets [gamedata.yml]",
		Short: "Show the slot indices a gamedata file gives for the target OS",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showOffsets,
	}
}

func showSlots(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], nil)
	if err != nil {
		return err
	}
	defer s.Close()

	classes := args[1:]
	if len(classes) == 0 {
		classes = s.info.VTables.Classes()
	}
	out := cmd.OutOrStdout()
	for _, class := range classes {
		vt, err := s.info.VTables.Class(class)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(vt.Slots))
		for _, slot := range vt.Sorted() {
			insn := ""
			if lines, err := s.emu.Disasm(slot.Target, 1); err == nil && len(lines) == 1 {
				insn = colorize.Instruction(lines[0].Text)
			}
			rows = append(rows, []string{
				strconv.Itoa(slot.Index),
				colorize.Address(vt.SlotAddr(slot.Index)),
				colorize.Address(slot.Target),
				slot.Method,
				insn,
			})
		}
		fmt.Fprintf(out, "%s %s %s\n", colorize.Header(vt.ClassName), colorize.Detail("@"), colorize.Address(vt.Table()))
		fmt.Fprintln(out, colorize.Table([]string{"Slot", "Addr", "Target", "Method", "Insn"}, rows))
	}
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()
	info, err := emu.LoadELF(args[0])
	if err != nil {
		return fmt.Errorf("load ELF: %w", err)
	}

	known := 0
	for name := range info.Imports {
		if _, ok := stubs.DefaultRegistry.Lookup(name); ok {
			known++
		}
	}
	entry := info.FindEntryPoint(cfg.Entry)

	rows := [][]string{
		{"Binary", info.Path},
		{"Base", colorize.Address(info.BaseAddr)},
		{"End", colorize.Address(info.EndAddr)},
		{"Entry", colorize.Address(entry)},
		{"RELRO", fmt.Sprintf("%s-%s", colorize.Address(info.RELRO[0]), colorize.Address(info.RELRO[1]))},
		{"Symbols", strconv.Itoa(len(info.Symbols))},
		{"Imports", fmt.Sprintf("%d (%d with stubs, %d registered)", len(info.Imports), known, stubs.DefaultRegistry.Count())},
		{"VTables", strconv.Itoa(len(info.VTables.Classes()))},
	}
	fmt.Fprintln(cmd.OutOrStdout(), colorize.Table([]string{"Key", "Value"}, rows))
	return nil
}

func showOffsets(cmd *cobra.Command, args []string) error {
	path := cfg.Gamedata
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no gamedata file: pass one or set gamedata")
	}
	o, err := vtable.LoadOffsets(path, cfg.OS)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, o.Len())
	for _, name := range o.Names() {
		idx, _ := o.Lookup(name)
		rows = append(rows, []string{colorize.FuncName(name), strconv.Itoa(idx)})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", colorize.Header(path), colorize.Detail("("+o.OS+")"))
	fmt.Fprintln(cmd.OutOrStdout(), colorize.Table([]string{"Method", "Slot"}, rows))
	return nil
}
