package extractor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// ErrPageOutOfRange is returned when the requested page does not exist.
var ErrPageOutOfRange = errors.New("pdf page out of range")

var pagesRe = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)

func PageCount(ctx context.Context, pdfPath string) (int, error) {
	cmd := exec.CommandContext(ctx, "pdfinfo", pdfPath)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	m := pagesRe.FindStringSubmatch(string(out))
	if len(m) != 2 {
		return 0, fmt.Errorf("pdfinfo: pages not found")
	}
	return strconv.Atoi(m[1])
}

// PNGPath is the file RasterizePage writes for outBase.
func PNGPath(outBase string) string {
	return outBase + ".png"
}

// RasterizePage renders one page of pdfPath to PNGPath(outBase) with
// pdftoppm.
func RasterizePage(ctx context.Context, pdfPath, outBase string, page, dpi int) error {
	if page < 1 {
		return ErrPageOutOfRange
	}
	if dpi <= 0 {
		dpi = 300
	}
	total, err := PageCount(ctx, pdfPath)
	if err != nil {
		return fmt.Errorf("page count: %w", err)
	}
	if page > total {
		return fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, page, total)
	}

	cmd := exec.CommandContext(ctx,
		"pdftoppm",
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-r", strconv.Itoa(dpi),
		"-png",
		"-singlefile",
		pdfPath,
		outBase,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(out), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
