// Package twincat drives the TwinCAT engineering tree: path discovery, node
// identity, and reading or writing parameter listings embedded in node XML.
package twincat

import (
	"errors"
	"path/filepath"
	"strings"
)

// PathSeparator joins tree path segments.
const PathSeparator = "^"

// Subtype codes passed to CreateChild. The values are vendor assigned and
// kept exactly as the engineering tool expects them.
const (
	SubtypeKanal = 403
	SubtypeAxis  = 401
)

// Node is one item of the engineering tree.
type Node interface {
	Name() string
	Children() ([]Node, error)
	ProduceXML(resolveRefs bool) (string, error)
	ConsumeXML(xml string) error
	CreateChild(name string, subtype int) (Node, error)
}

// Tree resolves ^-joined paths to nodes.
type Tree interface {
	Lookup(path string) (Node, error)
}

// Activator is implemented by trees that can activate the configuration and
// restart the runtime.
type Activator interface {
	ActivateConfiguration() error
	StartRestart() error
}

var ErrNodeNotFound = errors.New("node not found")

// Structure keywords addressing the top level tree items.
var StructureKeywords = map[string]string{
	"I/O Configuration":       "TIIC",
	"I/O Devices":             "TIID",
	"Real-Time Configuration": "TIRC",
	"Route Settings":          "TIRR",
	"Additional Tasks":        "TIRT",
	"Real-Time Settings":      "TIRS",
	"PLC Configuration":       "TIPC",
	"NC Configuration":        "TINC",
	"CNC Configuration":       "TICC",
	"CAM Configuration":       "TIAC",
}

// DefaultKeyword is the CNC configuration root.
const DefaultKeyword = "TICC"

// CollectPaths walks the subtree below keyword depth first and returns the
// path of every descendant, each starting with keyword. The root itself is
// not listed. Subtrees whose children cannot be enumerated are cut off.
func CollectPaths(tree Tree, keyword string) ([]string, error) {
	root, err := tree.Lookup(keyword)
	if err != nil {
		return nil, err
	}
	var out []string
	children, err := root.Children()
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		out = collect(child, keyword, out)
	}
	return out, nil
}

func collect(n Node, parent string, out []string) []string {
	path := n.Name()
	if parent != "" {
		path = parent + PathSeparator + n.Name()
	}
	out = append(out, path)
	children, err := n.Children()
	if err != nil {
		return out
	}
	for _, child := range children {
		out = collect(child, path, out)
	}
	return out
}

// LastSegment returns the final segment of a tree path.
func LastSegment(path string) string {
	if i := strings.LastIndex(path, PathSeparator); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Depth counts separators in path.
func Depth(path string) int { return strings.Count(path, PathSeparator) }

// KanalPaths selects paths whose last segment starts with kanal or channel.
func KanalPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		last := strings.ToLower(LastSegment(p))
		if strings.HasPrefix(last, "kanal") || strings.HasPrefix(last, "channel") {
			out = append(out, p)
		}
	}
	return out
}

// IsAxisSegment reports whether a segment names an axis node.
func IsAxisSegment(seg string) bool {
	s := strings.ToLower(seg)
	return strings.HasPrefix(s, "axis_") || strings.HasPrefix(s, "achse_") || strings.HasPrefix(s, "ext_")
}

// AxisPaths selects axis nodes: three separators deep with an axis-like name.
func AxisPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if Depth(p) == 3 && IsAxisSegment(LastSegment(p)) {
			out = append(out, p)
		}
	}
	return out
}

// FindBySuffix returns the first path ending in ^name.
func FindBySuffix(paths []string, name string) (string, bool) {
	suffix := PathSeparator + name
	for _, p := range paths {
		if strings.HasSuffix(p, suffix) {
			return p, true
		}
	}
	return "", false
}

// FilePath names the XML dump of the node at path inside dir.
func FilePath(dir, path string) string {
	last := "default"
	if path != "" {
		last = LastSegment(path)
	}
	return filepath.Join(dir, last+".xml")
}
