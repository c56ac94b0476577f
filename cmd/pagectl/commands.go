package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/toricodesthings/page-verification-service/internal/config"
	"github.com/toricodesthings/page-verification-service/internal/format"
	"github.com/toricodesthings/page-verification-service/internal/match"
	"github.com/toricodesthings/page-verification-service/internal/ocr"
	"github.com/toricodesthings/page-verification-service/internal/preprocess"
	"github.com/toricodesthings/page-verification-service/internal/scratch"
	"github.com/toricodesthings/page-verification-service/internal/store"
	"github.com/toricodesthings/page-verification-service/internal/verify"
)

type runtimeEnv struct {
	cfg      config.Config
	store    store.Store
	pipeline *verify.Pipeline
}

func (e *runtimeEnv) Close() { e.store.Close() }

type refFlags struct {
	isbn    int64
	page    int
	refPath string
}

func (r *refFlags) register(fs *flag.FlagSet) {
	fs.Int64Var(&r.isbn, "isbn", 0, "Publication ISBN (digits only)")
	fs.IntVar(&r.page, "page", 1, "Reference page number")
	fs.StringVar(&r.refPath, "ref", "", "Text file with the reference page (in-memory store only)")
}

func setup(ctx context.Context, refs refFlags) (*runtimeEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mgr, err := scratch.New(cfg.ScratchDir)
	if err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		if refs.refPath != "" {
			return nil, errors.New("-ref only applies to the in-memory store; unset DATABASE_URL")
		}
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{ConnString: cfg.DatabaseURL, TableName: cfg.DatabaseTable})
		if err != nil {
			return nil, err
		}
		st = pg
	} else {
		mem := store.NewMemory()
		if refs.refPath != "" {
			lines, err := readReferenceFile(refs.refPath)
			if err != nil {
				return nil, err
			}
			if _, err := mem.InsertReferencePage(ctx, refs.isbn, refs.page, lines); err != nil {
				return nil, err
			}
		}
		st = mem
	}

	p, err := verify.New(verify.Options{
		Scratch:    mgr,
		Orienter:   preprocess.ExifOrienter{},
		Preparer:   preprocess.New(cfg.MaxImagePixels),
		OCR:        ocr.NewTesseract(cfg.OCRBinary, cfg.MaxOCRConcurrent),
		Store:      st,
		Matcher:    match.New(cfg.MatchThreshold),
		Language:   cfg.OCRLanguage,
		OCRTimeout: cfg.OCRTimeout,
		PDFDPI:     cfg.PDFDPI,
		MinWords:   cfg.MinWords,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &runtimeEnv{cfg: cfg, store: st, pipeline: p}, nil
}

func cmdVerify(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	var refs refFlags
	refs.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if refs.isbn <= 0 || fs.NArg() != 1 {
		return 2, errors.New("verify needs -isbn and exactly one photo")
	}

	env, err := setup(ctx, refs)
	if err != nil {
		return 2, err
	}
	defer env.Close()

	up, err := loadUpload(fs.Arg(0), env.cfg)
	if err != nil {
		return 2, err
	}

	spinner := getSpinner("Verifying " + filepath.Base(fs.Arg(0)))
	res, err := env.pipeline.Verify(ctx, refs.isbn, up)
	_ = spinner.Finish()
	fmt.Println()

	printOutcome(os.Stdout, filepath.Base(fs.Arg(0)), res, err)
	return exitCode(res, err), nil
}

func cmdReference(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("reference", flag.ContinueOnError)
	var refs refFlags
	refs.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if refs.isbn <= 0 || refs.page <= 0 || fs.NArg() != 1 {
		return 2, errors.New("reference needs -isbn, -page and exactly one photo")
	}
	refs.refPath = ""

	env, err := setup(ctx, refs)
	if err != nil {
		return 2, err
	}
	defer env.Close()

	up, err := loadUpload(fs.Arg(0), env.cfg)
	if err != nil {
		return 2, err
	}

	spinner := getSpinner("Reading reference page")
	ref, err := env.pipeline.CreateReference(ctx, refs.isbn, refs.page, up)
	_ = spinner.Finish()
	fmt.Println()
	if err != nil {
		return 2, err
	}

	color.Green("✓ Stored page %d of %d (%d lines)\n", ref.Page, ref.ISBN, len(ref.Lines))
	fmt.Println(format.Combine(ref.Lines, "\n", 0))
	if env.cfg.DatabaseURL == "" {
		color.Yellow("note: in-memory store, the page is not persisted\n")
	}
	return 0, nil
}

type batchItem struct {
	path string
	res  verify.Result
	err  error
}

func cmdBatch(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	var refs refFlags
	refs.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if refs.isbn <= 0 || fs.NArg() == 0 {
		return 2, errors.New("batch needs -isbn and at least one photo or directory")
	}

	env, err := setup(ctx, refs)
	if err != nil {
		return 2, err
	}
	defer env.Close()

	paths, err := collectInputs(fs.Args(), env.cfg.AllowedExtensions)
	if err != nil {
		return 2, err
	}
	if len(paths) == 0 {
		return 2, errors.New("no photos with an allowed extension found")
	}

	items := make([]batchItem, len(paths))
	bar := getProgressBar(len(paths), "Verifying photos")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(env.cfg.MaxOCRConcurrent))
	for i, path := range paths {
		g.Go(func() error {
			defer bar.Add(1)
			items[i].path = path
			up, err := loadUpload(path, env.cfg)
			if err != nil {
				items[i].err = err
				return nil
			}
			items[i].res, items[i].err = env.pipeline.Verify(gctx, refs.isbn, up)
			return nil
		})
	}
	_ = g.Wait()
	_ = bar.Finish()
	fmt.Println()

	for _, it := range items {
		printOutcome(os.Stdout, it.path, it.res, it.err)
	}
	matched, total := summarize(items)
	fmt.Printf("\n%d/%d photos matched\n", matched, total)
	if matched != total {
		return 1, nil
	}
	return 0, nil
}

func cmdSweep(args []string) (int, error) {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	older := fs.Duration("older", 30*time.Minute, "Remove scratch files older than this")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	cfg, err := config.Load()
	if err != nil {
		return 2, err
	}
	mgr, err := scratch.New(cfg.ScratchDir)
	if err != nil {
		return 2, err
	}
	n, err := mgr.Sweep(*older)
	if err != nil {
		return 2, err
	}
	color.Green("✓ Removed %d scratch files from %s\n", n, mgr.Dir())
	return 0, nil
}

// ---------- Helpers ----------

func loadUpload(path string, cfg config.Config) (verify.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return verify.Upload{}, err
	}
	up := verify.Upload{Filename: filepath.Base(path), Data: data}
	if err := verify.ValidateUpload(up, verify.Limits{
		MaxBytes:          cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	}); err != nil {
		return verify.Upload{}, fmt.Errorf("%s: %w", path, err)
	}
	return up, nil
}

// readReferenceFile returns the non-blank lines of a reference text file.
func readReferenceFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if ln := strings.TrimSpace(sc.Text()); ln != "" {
			lines = append(lines, ln)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s: reference file is empty", path)
	}
	return lines, nil
}

// collectInputs expands directories (non-recursively) into the files with an
// allowed extension. Explicit file arguments are kept as given.
func collectInputs(args []string, allowed []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if e.Type().IsRegular() && verify.ExtensionAllowed(e.Name(), allowed) {
				found = append(found, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}

func printOutcome(w io.Writer, name string, res verify.Result, err error) {
	if err != nil {
		color.New(color.FgRed).Fprintf(w, "✗ %s: %s (%s)\n", name, err, verify.KindOf(err))
		return
	}
	score := format.Percent(res.Verdict.Score)
	if res.Matched() {
		color.New(color.FgGreen).Fprintf(w, "✓ %s matched page %d (score %s)\n", name, res.Page, score)
		return
	}
	color.New(color.FgYellow).Fprintf(w, "✗ %s did not match page %d (score %s)\n", name, res.Page, score)
	if res.Quality.Illegible {
		fmt.Fprintf(w, "  photo looks illegible: %s\n", strings.Join(res.Quality.Reasons, ", "))
	}
}

func summarize(items []batchItem) (matched, total int) {
	for _, it := range items {
		if it.err == nil && it.res.Matched() {
			matched++
		}
	}
	return matched, len(items)
}

func exitCode(res verify.Result, err error) int {
	switch {
	case err != nil:
		return 2
	case res.Matched():
		return 0
	default:
		return 1
	}
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
