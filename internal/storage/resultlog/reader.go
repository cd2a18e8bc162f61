package resultlog

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ChuLiYu/evalsearch/internal/quality"
)

// ReadOptions controls how tolerant parsing is.
type ReadOptions struct {
	// Strict fails on the first malformed line instead of skipping it.
	Strict bool
	Logger *slog.Logger
}

// ParseReport summarises a checkpoint parse.
type ParseReport struct {
	Lines        int   // data lines seen, header and blank lines excluded
	Skipped      int   // malformed data lines that were dropped
	SkippedLines []int // 1-based line numbers of the dropped lines
}

// ReadFile parses the checkpoint at path into a new ResultLog bound to it.
func ReadFile(path string, names []string, measures []quality.Measure, opts ReadOptions) (*ResultLog, ParseReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, ParseReport{}, err
	}
	defer file.Close()

	log := New(path, names, measures)
	report, err := read(file, log, opts)
	if err != nil {
		return nil, report, fmt.Errorf("read %s: %w", path, err)
	}
	return log, report, nil
}

// Read parses a checkpoint stream into log, which must be empty.
func Read(r io.Reader, log *ResultLog, opts ReadOptions) (ParseReport, error) {
	return read(r, log, opts)
}

func read(r io.Reader, log *ResultLog, opts ReadOptions) (ParseReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	measureNames := log.MeasureNames()

	var report ParseReport
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNo := 0
	headerSeen := false
	var lastIter int64
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !headerSeen {
			headerSeen = true
			names, measures, err := ParseHeader(line)
			if err != nil {
				return report, err
			}
			if !sameColumns(names, log.names) || !sameColumns(measures, measureNames) {
				return report, fmt.Errorf("%w: file has %v/%v, job has %v/%v",
					ErrHeaderMismatch, names, measures, log.names, measureNames)
			}
			continue
		}

		report.Lines++
		rec, err := ParseRecord(line, log.names, measureNames)
		if err == nil && rec.Iteration < lastIter {
			err = fmt.Errorf("%w: iteration %d after %d", ErrMalformedLine, rec.Iteration, lastIter)
		}
		if err != nil {
			perr := &ParseError{Line: lineNo, Cause: err}
			if opts.Strict {
				return report, perr
			}
			report.Skipped++
			report.SkippedLines = append(report.SkippedLines, lineNo)
			logger.Warn("Skipping malformed checkpoint line", "line", lineNo, "error", err)
			continue
		}
		lastIter = rec.Iteration
		log.Put(rec.Iteration, rec.Params, rec.Quality)
	}
	if err := scanner.Err(); err != nil {
		return report, err
	}
	return report, nil
}
