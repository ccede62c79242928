// Classkit CLI - computes stack map frames for JVM method bodies.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/katori/classkit/analysis"
	"github.com/katori/classkit/cache"
	"github.com/katori/classkit/classfile"
	"github.com/katori/classkit/config"
	"github.com/katori/classkit/insn"
	"github.com/katori/classkit/stackmap"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("classkit")

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	configDir := flag.String("config", ".", "Directory containing classkit.toml")
	output := flag.String("o", "", "Write CBOR results to this file (default: text report to stdout)")
	noCache := flag.Bool("no-cache", false, "Bypass the result cache")
	cachePath := flag.String("cache", "", "Result cache database path (overrides classkit.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: classkit [options] bundle.cbor...\n\n")
		fmt.Fprintf(os.Stderr, "Computes stack map frames for every method in the given bundles.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  classkit app.cbor              # Print a frame report\n")
		fmt.Fprintf(os.Stderr, "  classkit -o frames.cbor app.cbor  # Write CBOR results\n")
		fmt.Fprintf(os.Stderr, "  classkit -no-cache -v app.cbor # Recompute everything, verbosely\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	verbosity := cfg.Log.Verbosity
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	var store *cache.Store
	if cfg.Cache.Enabled && !*noCache {
		path := cfg.Cache.Path
		if *cachePath != "" {
			path = *cachePath
		}
		if path == "" {
			store, err = cache.OpenDefault()
		} else {
			store, err = cache.Open(path)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	runID := uuid.NewString()
	log.Infof("run %s starting", runID)

	var results []*stackmap.WireResult
	failed := 0
	for _, path := range flag.Args() {
		rs, errs := processBundle(path, cfg, store, runID)
		results = append(results, rs...)
		failed += errs
	}

	if *output != "" {
		if err := writeResults(*output, results); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		for _, r := range results {
			printResult(r)
		}
	}

	log.Infof("run %s finished: %d methods, %d failed", runID, len(results), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// processBundle analyzes every method in one bundle file, consulting the
// result store when it is open. Per-method failures are reported and
// counted but do not stop the run.
func processBundle(path string, cfg *config.Config, store *cache.Store, runID string) ([]*stackmap.WireResult, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, 1
	}
	b, err := insn.UnmarshalBundle(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
		return nil, 1
	}

	var results []*stackmap.WireResult
	failed := 0
	for i := range b.Methods {
		r, err := processMethod(&b.Methods[i], cfg, store, runID)
		if err != nil {
			bm := &b.Methods[i]
			fmt.Fprintf(os.Stderr, "Error: %s: %s.%s%s: %v\n", path, bm.Class, bm.Name, bm.Desc, err)
			failed++
			continue
		}
		results = append(results, r)
	}
	return results, failed
}

func processMethod(bm *insn.BundleMethod, cfg *config.Config, store *cache.Store, runID string) (*stackmap.WireResult, error) {
	if len(bm.Insns) > cfg.Analysis.MaxInstructions {
		return nil, fmt.Errorf("method has %d instructions, limit is %d",
			len(bm.Insns), cfg.Analysis.MaxInstructions)
	}

	var digest [32]byte
	if store != nil {
		d, err := cache.MethodDigest(bm)
		if err != nil {
			return nil, err
		}
		digest = d
		if payload, err := store.Get(digest); err == nil {
			log.Debugf("cache hit for %s.%s%s", bm.Class, bm.Name, bm.Desc)
			return stackmap.UnmarshalResult(payload)
		} else if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
	}

	m, err := bm.MethodCode()
	if err != nil {
		return nil, err
	}
	st := classfile.NewSymbolTable(bm.Class)
	res, err := analysis.ComputeFrames(st, m)
	if err != nil {
		return nil, err
	}
	if res.MaxLocals > cfg.Analysis.MaxLocals {
		return nil, fmt.Errorf("method needs %d locals, limit is %d", res.MaxLocals, cfg.Analysis.MaxLocals)
	}
	if res.MaxStack > cfg.Analysis.MaxStack {
		return nil, fmt.Errorf("method needs %d stack slots, limit is %d", res.MaxStack, cfg.Analysis.MaxStack)
	}

	wr, err := stackmap.BuildWire(st, bm.Name, bm.Desc, res)
	if err != nil {
		return nil, err
	}
	if store != nil {
		payload, err := stackmap.MarshalResult(wr)
		if err != nil {
			return nil, err
		}
		if err := store.Put(digest, runID, payload); err != nil {
			log.Errorf("cache store failed: %v", err)
		}
	}
	return wr, nil
}

// writeResults marshals all results into one CBOR sequence file.
func writeResults(path string, results []*stackmap.WireResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, r := range results {
		data, err := stackmap.MarshalResult(r)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func printResult(r *stackmap.WireResult) {
	fmt.Printf("%s.%s%s  max_stack=%d max_locals=%d\n",
		r.ClassName, r.Method, r.Desc, r.MaxStack, r.MaxLocals)
	for _, fr := range r.Frames {
		fmt.Printf("  @%-5d locals=%s stack=%s\n", fr.Offset, formatTypes(fr.Locals), formatTypes(fr.Stack))
	}
}

func formatTypes(types []stackmap.WireType) string {
	if len(types) == 0 {
		return "[]"
	}
	s := "["
	for i, t := range types {
		if i > 0 {
			s += " "
		}
		switch t.Tag {
		case stackmap.WireObject:
			s += t.Class
		case stackmap.WireUninitialized:
			s += fmt.Sprintf("uninit@%d", t.Offset)
		default:
			s += t.Tag
		}
	}
	return s + "]"
}
