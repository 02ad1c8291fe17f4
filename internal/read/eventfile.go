package read

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/kshedden/nanocall/internal/event"
	"github.com/kshedden/nanocall/internal/ioutil"
	"github.com/kshedden/nanocall/internal/nanoerr"
)

// FileLoader is the default EventLoader: a per-strand event table, one
// line per event ("strand\tmean\tstdv\tstart_time\tlength"), gzip
// transparently decompressed. The binary fast5 format itself is out of
// scope (§1 Non-goals); this is the text interchange format real
// event-extraction tools are expected to emit.
type FileLoader struct {
	Path string
}

// LoadEvents reads Path and returns the rows tagged for strand.
func (l FileLoader) LoadEvents(strand event.Strand) (event.Sequence, error) {
	f, err := ioutil.OpenMaybeGzip(l.Path)
	if err != nil {
		return nil, nanoerr.Input(fmt.Sprintf("opening event file %s", l.Path), err)
	}
	defer f.Close()

	want := strandTag(strand)
	var seq event.Sequence
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			return nil, nanoerr.Input(fmt.Sprintf("%s:%d: expected 5 tab-separated fields, got %d", l.Path, lineNo, len(fields)))
		}
		if fields[0] != want {
			continue
		}
		mean, err1 := strconv.ParseFloat(fields[1], 64)
		stdv, err2 := strconv.ParseFloat(fields[2], 64)
		start, err3 := strconv.ParseFloat(fields[3], 64)
		length, err4 := strconv.ParseFloat(fields[4], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, nanoerr.Input(fmt.Sprintf("%s:%d: malformed numeric field", l.Path, lineNo))
		}
		seq = append(seq, event.New(mean, stdv, start, length))
	}
	if err := sc.Err(); err != nil {
		return nil, nanoerr.Input(fmt.Sprintf("reading %s", l.Path), err)
	}
	return seq, nil
}

func strandTag(st event.Strand) string {
	if st == event.Complement {
		return "complement"
	}
	return "template"
}
