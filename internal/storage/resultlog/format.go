package resultlog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/evalsearch/pkg/types"
)

const (
	headerToken    = "iteration"
	fieldSep       = "\t"
	valueSep       = ","
	minFieldsCount = 2
)

// FormatHeader renders the header line without the trailing newline.
func FormatHeader(names, measures []string) string {
	fields := make([]string, 0, len(measures)+2)
	fields = append(fields, headerToken, strings.Join(names, valueSep))
	fields = append(fields, measures...)
	return strings.Join(fields, fieldSep)
}

// FormatRecord renders one iteration line without the trailing newline.
// Measures missing from the quality set are written as not terminated.
func FormatRecord(rec types.IterationRecord, names, measures []string) string {
	fields := make([]string, 0, len(measures)+2)
	fields = append(fields,
		strconv.FormatInt(rec.Iteration, 10),
		strings.Join(rec.Params.ValuesFor(names), valueSep),
	)
	for _, m := range measures {
		q, ok := rec.Quality[m]
		if !ok {
			q = types.NotTerminated()
		}
		fields = append(fields, q.String())
	}
	return strings.Join(fields, fieldSep)
}

// ParseHeader splits a header line into parameter and measure names.
func ParseHeader(line string) (names, measures []string, err error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), fieldSep)
	if len(fields) < minFieldsCount || fields[0] != headerToken {
		return nil, nil, fmt.Errorf("%w: %q is not a checkpoint header", ErrHeaderMismatch, line)
	}
	return strings.Split(fields[1], valueSep), fields[2:], nil
}

// ParseRecord parses one iteration line against the expected columns.
func ParseRecord(line string, names, measures []string) (types.IterationRecord, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), fieldSep)
	if len(fields) != len(measures)+2 {
		return types.IterationRecord{}, fmt.Errorf("%w: want %d fields, got %d",
			ErrMalformedLine, len(measures)+2, len(fields))
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 1 {
		return types.IterationRecord{}, fmt.Errorf("%w: bad iteration number %q", ErrMalformedLine, fields[0])
	}
	values := strings.Split(fields[1], valueSep)
	ps, err := types.ParameterSetFromValues(names, values)
	if err != nil {
		return types.IterationRecord{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	qs := make(types.QualitySet, len(measures))
	for i, m := range measures {
		q, err := types.ParseQualityValue(fields[i+2])
		if err != nil {
			return types.IterationRecord{}, fmt.Errorf("%w: %s: %v", ErrMalformedLine, m, err)
		}
		qs[m] = q
	}
	return types.IterationRecord{Iteration: n, Params: ps, Quality: qs}, nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
