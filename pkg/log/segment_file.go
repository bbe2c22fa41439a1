package log

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Segment files are named {name}-{id}-{version}.log with a sibling
// {name}-{id}-{version}.index; id and version are zero-padded decimal.

const (
	dataExt  = ".log"
	indexExt = ".index"
)

func segmentBase(name string, id, version uint64) string {
	return fmt.Sprintf("%s-%010d-%010d", name, id, version)
}

// DataPath returns the data file path for a segment.
func DataPath(dir, name string, id, version uint64) string {
	return filepath.Join(dir, segmentBase(name, id, version)+dataExt)
}

// IndexPath returns the index file path for a segment.
func IndexPath(dir, name string, id, version uint64) string {
	return filepath.Join(dir, segmentBase(name, id, version)+indexExt)
}

// parseSegmentFile extracts {id, version} from a data file name
// belonging to the given log. Returns ok=false for unrelated files.
func parseSegmentFile(name, file string) (id, version uint64, ok bool) {
	if !strings.HasSuffix(file, dataExt) {
		return 0, 0, false
	}
	base := strings.TrimSuffix(file, dataExt)
	if !strings.HasPrefix(base, name+"-") {
		return 0, 0, false
	}
	rest := base[len(name)+1:]
	parts := strings.Split(rest, "-")
	if len(parts) != 2 {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	version, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return id, version, true
}
