package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zboralski/vhook/internal/emulator"
	glog "github.com/zboralski/vhook/internal/log"
	"github.com/zboralski/vhook/internal/script"
	"github.com/zboralski/vhook/internal/stubs"
	_ "github.com/zboralski/vhook/internal/stubs/all"
	"github.com/zboralski/vhook/internal/trace"
	"github.com/zboralski/vhook/internal/ui/colorize"
	"github.com/zboralski/vhook/internal/virtual"
	"github.com/zboralski/vhook/internal/vtable"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <binary.so>",
		Short: "Emulate an entry point with plugins subscribed to its imports and virtual methods",
		Args:  cobra.ExactArgs(1),
		RunE:  runEntry,
	}
	f := cmd.Flags()
	f.String("plugins", "", "directory of .js plugins")
	f.String("entry", "", "entry symbol (exact, case-insensitive or substring match)")
	f.Uint64("max-insn", 1_000_000, "instruction budget (0 = unlimited)")
	f.Bool("fallbacks", true, "return 0 from imports without a stub")
	f.StringSlice("classes", nil, "classes to bind (default: all)")
	f.Bool("events", false, "print every recorded chain event")
	return cmd
}

// session is one loaded binary with its hook targets.
type session struct {
	emu      *emulator.Emulator
	info     *emulator.ELFInfo
	rec      *trace.Recorder
	bindings map[string]*virtual.Binding
}

func openSession(path string, rec *trace.Recorder) (*session, error) {
	emu, err := emulator.New()
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}
	info, err := emu.LoadELF(path)
	if err != nil {
		emu.Close()
		return nil, fmt.Errorf("load ELF: %w", err)
	}
	return &session{emu: emu, info: info, rec: rec, bindings: make(map[string]*virtual.Binding)}, nil
}

func (s *session) Close() error {
	var errs []error
	for _, b := range s.bindings {
		errs = append(errs, b.Close())
	}
	errs = append(errs, s.emu.Close())
	return errors.Join(errs...)
}

// bind creates a binding for every class with known slots. Gamedata offsets
// win over the slots resolved from the binary.
func (s *session) bind(classes []string) error {
	var offsets *vtable.Offsets
	if cfg.Gamedata != "" {
		o, err := vtable.LoadOffsets(cfg.Gamedata, cfg.OS)
		if err != nil {
			return err
		}
		offsets = o
	}
	if len(classes) == 0 {
		if offsets != nil {
			classes = classesOf(offsets)
		} else {
			classes = s.info.VTables.Classes()
		}
	}

	opts := []virtual.Option{virtual.WithLogger(glog.L), virtual.WithRecorder(s.rec)}
	for _, class := range classes {
		vt, err := s.info.VTables.Class(class)
		if err != nil {
			glog.L.Warn(err.Error())
			continue
		}
		b, err := virtual.BindVTable(s.emu, vt, offsets, opts...)
		if errors.Is(err, virtual.ErrNoMethods) {
			glog.L.Debug(err.Error())
			continue
		}
		if err != nil {
			return err
		}
		s.bindings[class] = b
	}
	return nil
}

// classesOf returns the classes named in offsets.
func classesOf(o *vtable.Offsets) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range o.Names() {
		class, _, ok := strings.Cut(name, "::")
		if ok && !seen[class] {
			seen[class] = true
			out = append(out, class)
		}
	}
	return out
}

func (s *session) symbolAt(addr uint64) string {
	name := ""
	for n, a := range s.info.Symbols {
		if a == addr && (name == "" || len(n) < len(name)) {
			name = n
		}
	}
	return name
}

func runEntry(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	rec := trace.NewRecorder(0)

	s, err := openSession(args[0], rec)
	if err != nil {
		return err
	}
	defer s.Close()

	reg := stubs.DefaultRegistry
	reg.Configure(stubs.WithLogger(glog.L), stubs.WithRecorder(rec))
	reg.Fallbacks = cfg.Fallbacks
	reg.Output = out
	reg.OnCall = func(category, name, detail string) {
		fmt.Fprintf(out, "  %s %s %s %s\n",
			colorize.Address(s.emu.PC()),
			colorize.Detail("["+category+"]"),
			colorize.FuncName(name),
			colorize.Detail(detail))
	}
	if err := s.bind(cfg.Classes); err != nil {
		return err
	}

	host := &script.Host{
		Emu:     s.emu,
		Imports: reg,
		Classes: s.bindings,
		Log:     glog.L,
		Rec:     rec,
	}
	var plugins []*script.Plugin
	if cfg.Plugins != "" {
		plugins, err = host.LoadDir(cfg.Plugins)
		if err != nil {
			return err
		}
	}
	// Plugins load first: Install binds a stub-less import only when its
	// chain exists.
	installed := reg.Install(s.emu, s.info.Imports, s.info.Symbols)

	defer func() {
		for _, p := range plugins {
			if err := p.Close(); err != nil {
				glog.L.Warn(err.Error())
			}
		}
	}()

	entry := s.info.FindEntryPoint(cfg.Entry)
	printHeader(out, args[0], s, entry, installed, plugins)

	ret, runErr := s.emu.CallLimit(entry, cfg.MaxInsn)

	if showEvents, _ := cmd.Flags().GetBool("events"); showEvents {
		printEvents(out, rec.Events())
	}
	printStats(out, ret, rec, runErr)
	return nil
}

func printHeader(w io.Writer, binary string, s *session, entry uint64, installed int, plugins []*script.Plugin) {
	hooks := 0
	for _, p := range plugins {
		hooks += p.Hooks()
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s vhook %s\n", colorize.Header("▶"), filepath.Base(binary))
	fmt.Fprintf(w, "  %s %s  %s %s %s\n",
		colorize.Detail("Base:"), colorize.Address(s.info.BaseAddr),
		colorize.Detail("Entry:"), colorize.Address(entry), colorize.FuncName(s.symbolAt(entry)))
	fmt.Fprintf(w, "  %s %d  %s %d  %s %d  %s %d\n",
		colorize.Detail("Imports:"), installed,
		colorize.Detail("Classes:"), len(s.bindings),
		colorize.Detail("Plugins:"), len(plugins),
		colorize.Detail("Hooks:"), hooks)
	fmt.Fprintln(w)
}

func printEvents(w io.Writer, events []*trace.Event) {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{e.PrimaryTag(), e.Chain, e.Detail})
	}
	fmt.Fprintln(w, colorize.Table([]string{"Tag", "Chain", "Detail"}, rows))
}

func printStats(w io.Writer, ret uint64, rec *trace.Recorder, err error) {
	counts := map[trace.Tag]int{}
	for _, e := range rec.Events() {
		for _, t := range e.Tags {
			counts[t]++
		}
	}
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, string(t))
	}
	sort.Strings(tags)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s", colorize.Detail("X0 ="), colorize.Address(ret))
	for _, t := range tags {
		fmt.Fprintf(w, "  %d %s", counts[trace.Tag(t)], colorize.Detail(t))
	}
	if err != nil {
		fmt.Fprintf(w, "  %s", colorize.Error(err.Error()))
	}
	fmt.Fprintln(w)
}
