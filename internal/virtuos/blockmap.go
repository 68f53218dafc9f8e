package virtuos

import (
	"bufio"
	"errors"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

var ErrBlockNotFound = errors.New("Not Found")

var blockPathPattern = regexp.MustCompile(`=\s*(\[[^\]]+\](?:\.\[[^\]]+\])*)\s*;`)

// BlockMap resolves block names, with or without brackets, to their full
// block diagram path.
type BlockMap map[string]string

// ParseBlockMap reads the "//Model uuids" section of an extracted controller
// file, stopping at "//Port uuids".
func ParseBlockMap(r io.Reader) (BlockMap, error) {
	m := BlockMap{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	inModels := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "//Model uuids") {
			inModels = true
			continue
		}
		if strings.HasPrefix(line, "//Port uuids") {
			break
		}
		if !inModels {
			continue
		}
		match := blockPathPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		full := match[1]
		segs := strings.Split(full, ".")
		name := strings.Trim(segs[len(segs)-1], "[]")
		m[name] = full
		m["["+name+"]"] = full
	}
	return m, sc.Err()
}

// LoadBlockMap parses the controller file at path.
func LoadBlockMap(path string) (BlockMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseBlockMap(f)
}

// Lookup returns the full path of name.
func (m BlockMap) Lookup(name string) (string, error) {
	if p, ok := m[strings.TrimSpace(name)]; ok {
		return p, nil
	}
	return "", ErrBlockNotFound
}

// Search lists the bare block names containing keyword, case-insensitively.
func (m BlockMap) Search(keyword string) []string {
	kw := strings.ToLower(keyword)
	var out []string
	for name := range m {
		if strings.HasPrefix(name, "[") {
			continue
		}
		if strings.Contains(strings.ToLower(name), kw) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve turns a channel-to-block table into full paths. Entries that are
// already paths ("[A].[B]") are kept.
func (m BlockMap) Resolve(blocks map[string]string) (map[string]string, []error) {
	out := make(map[string]string, len(blocks))
	var errs []error
	for kanal, b := range blocks {
		if strings.Contains(b, "].[") {
			out[kanal] = b
			continue
		}
		p, err := m.Lookup(b)
		if err != nil {
			errs = append(errs, errors.Join(errors.New(kanal+": "+b), err))
			continue
		}
		out[kanal] = p
	}
	return out, errs
}
