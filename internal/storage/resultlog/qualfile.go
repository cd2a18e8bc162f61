package resultlog

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// QualityFilePath derives the companion quality file of one iteration.
func QualityFilePath(base string, iteration int64) string {
	return fmt.Sprintf("%s.%d.results.matching.conv.qual", base, iteration)
}

// ReadQualityFile reads `measure<TAB>value` lines. Measures that are missing
// or carry an unparseable value are not terminated; unknown ones are ignored.
func ReadQualityFile(path string, measures []string) (types.QualitySet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	qs := types.NotTerminatedSet(measures)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), fieldSep)
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if _, wanted := qs[name]; !wanted {
			continue
		}
		if q, err := types.ParseQualityValue(value); err == nil {
			qs[name] = q
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return qs, nil
}

// WriteQualityFile writes qs in measure order.
func WriteQualityFile(path string, measures []string, qs types.QualitySet) error {
	var b strings.Builder
	for _, m := range measures {
		q, ok := qs[m]
		if !ok {
			q = types.NotTerminated()
		}
		b.WriteString(m)
		b.WriteString(fieldSep)
		b.WriteString(q.String())
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
