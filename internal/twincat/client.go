package twincat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/codec"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// Client applies parameter sets to TwinCAT nodes and reads them back.
type Client struct {
	tree   Tree
	logger *zap.Logger
	factor float64
}

// NewClient wraps an open tree session. factor is the trafo scale factor;
// zero selects params.TrafoScaleFactor.
func NewClient(tree Tree, factor float64, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factor == 0 {
		factor = params.TrafoScaleFactor
	}
	return &Client{tree: tree, logger: logger, factor: factor}
}

func (c *Client) Tree() Tree { return c.tree }

func (c *Client) lookup(path string) (Node, *NodeXML, error) {
	if c == nil || c.tree == nil {
		return nil, nil, params.Wrap(params.KindConnection, path, params.ErrNotConnected)
	}
	node, err := c.tree.Lookup(path)
	if err != nil {
		return nil, nil, params.Wrap(params.KindMapping, path, err)
	}
	raw, err := node.ProduceXML(true)
	if err != nil {
		return nil, nil, fmt.Errorf("produce xml %s: %w", path, err)
	}
	doc, err := ParseNodeXML(raw)
	if err != nil {
		return nil, nil, params.Wrap(params.KindIdentity, path, err)
	}
	return node, doc, nil
}

func (c *Client) push(node Node, doc *NodeXML, path string) error {
	out, err := doc.String()
	if err != nil {
		return fmt.Errorf("render xml %s: %w", path, err)
	}
	if err := node.ConsumeXML(out); err != nil {
		return fmt.Errorf("consume xml %s: %w", path, err)
	}
	return nil
}

// Browse lists every path below keyword.
func (c *Client) Browse(keyword string) ([]string, error) {
	if c == nil || c.tree == nil {
		return nil, params.ErrNotConnected
	}
	paths, err := CollectPaths(c.tree, keyword)
	if err != nil {
		return nil, err
	}
	c.logger.Info("browsed tree", zap.String("keyword", keyword), zap.Int("nodes", len(paths)))
	return paths, nil
}

// ExportNode writes the node XML to dir/<last segment>.xml.
func (c *Client) ExportNode(path, dir string) (string, error) {
	if c == nil || c.tree == nil {
		return "", params.ErrNotConnected
	}
	node, err := c.tree.Lookup(path)
	if err != nil {
		return "", params.Wrap(params.KindMapping, path, err)
	}
	raw, err := node.ProduceXML(true)
	if err != nil {
		return "", err
	}
	file := FilePath(dir, path)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(file, []byte(raw), 0o644); err != nil {
		return "", err
	}
	c.logger.Info("exported node", zap.String("path", path), zap.String("file", file))
	return file, nil
}

// ImportNode feeds the XML stored in file into the node at path.
func (c *Client) ImportNode(path, file string) error {
	if c == nil || c.tree == nil {
		return params.ErrNotConnected
	}
	node, err := c.tree.Lookup(path)
	if err != nil {
		return params.Wrap(params.KindMapping, path, err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("import file: %w", err)
	}
	if err := node.ConsumeXML(string(data)); err != nil {
		return err
	}
	c.logger.Info("imported node", zap.String("path", path), zap.String("file", file))
	return nil
}

// Activate activates the configuration and restarts the runtime.
func (c *Client) Activate() error {
	if c == nil || c.tree == nil {
		return params.ErrNotConnected
	}
	act, ok := c.tree.(Activator)
	if !ok {
		return errors.New("tree session cannot activate configurations")
	}
	if err := act.ActivateConfiguration(); err != nil {
		return fmt.Errorf("activate configuration: %w", err)
	}
	if err := act.StartRestart(); err != nil {
		return fmt.Errorf("restart runtime: %w", err)
	}
	return nil
}

// AddChild creates name below parentPath with the given subtype code.
func (c *Client) AddChild(parentPath, name string, subtype int) error {
	if c == nil || c.tree == nil {
		return params.ErrNotConnected
	}
	parent, err := c.tree.Lookup(parentPath)
	if err != nil {
		return params.Wrap(params.KindMapping, parentPath, err)
	}
	if _, err := parent.CreateChild(name, subtype); err != nil {
		return fmt.Errorf("create %s under %s: %w", name, parentPath, err)
	}
	c.logger.Info("created child node",
		zap.String("parent", parentPath), zap.String("name", name), zap.Int("subtype", subtype))
	return nil
}

// WriteTrafoLines replaces the trafo section of the node at path with lines
// as given: no identity check and no scaling.
func (c *Client) WriteTrafoLines(path string, lines []string) error {
	node, doc, err := c.lookup(path)
	if err != nil {
		return err
	}
	text, err := doc.Listing(TagSdaMds)
	if err != nil {
		return params.Wrap(params.KindIdentity, path, err)
	}
	if err := doc.SetListing(TagSdaMds, codec.ReplaceTrafoBlock(text, lines)); err != nil {
		return err
	}
	return c.push(node, doc, path)
}

// WriteKanalTrafo writes the trafo set of the channel owning the node at
// path. The node must be a Kanal node; param values are scaled into TwinCAT
// units.
func (c *Client) WriteKanalTrafo(path string, agg params.Aggregate) (string, error) {
	node, doc, err := c.lookup(path)
	if err != nil {
		return "", err
	}
	kanal, err := doc.KanalIdentity()
	if err != nil {
		return "", params.Wrap(params.KindIdentity, path, err)
	}
	cc, ok := agg[kanal]
	if !ok || cc == nil || cc.Trafo.IsEmpty() {
		return kanal, params.Wrap(params.KindMapping, kanal, fmt.Errorf("trafo: %w", params.ErrNoData))
	}
	scaled := params.ScaleTrafo(cc.Trafo.Names, cc.Trafo.Values, c.factor)
	text, err := doc.Listing(TagSdaMds)
	if err != nil {
		return kanal, params.Wrap(params.KindIdentity, path, err)
	}
	if err := doc.SetListing(TagSdaMds, codec.ReplaceTrafoBlock(text, codec.RenderLines(cc.Trafo.Names, scaled))); err != nil {
		return kanal, err
	}
	if err := c.push(node, doc, path); err != nil {
		return kanal, err
	}
	c.logger.Info("trafo written", zap.String("kanal", kanal), zap.String("path", path), zap.Int("params", cc.Trafo.Len()))
	return kanal, nil
}

// ReadKanalTrafo reads the trafo listing of a Kanal node, converts it back
// to logical units and merges it into agg.
func (c *Client) ReadKanalTrafo(path string, agg params.Aggregate) (string, error) {
	_, doc, err := c.lookup(path)
	if err != nil {
		return "", err
	}
	kanal, err := doc.KanalIdentity()
	if err != nil {
		return "", params.Wrap(params.KindIdentity, path, err)
	}
	text, err := doc.Listing(TagSdaMds)
	if err != nil {
		return kanal, params.Wrap(params.KindIdentity, path, err)
	}
	read := codec.ParseTrafoBlock(text)
	read.Values = params.DescaleTrafo(read.Names, read.Values, c.factor)

	cc := agg.Channel(kanal)
	cc.Trafo = cc.Trafo.Merge(read)
	c.logger.Info("trafo read", zap.String("kanal", kanal), zap.String("path", path), zap.Int("params", read.Len()))
	return kanal, nil
}

// WriteAxisLines applies axis lines to the node at path. Only lines scoped to
// the axis named after the node's ItemName number are used.
func (c *Client) WriteAxisLines(path string, lines []string) (codec.AxisEdit, error) {
	node, doc, err := c.lookup(path)
	if err != nil {
		return codec.AxisEdit{}, err
	}
	axisName, err := AxisNameFromItemName(doc.ItemName())
	if err != nil {
		return codec.AxisEdit{}, params.Wrap(params.KindIdentity, path, err)
	}
	text, err := doc.Listing(TagAchsMds)
	if err != nil {
		return codec.AxisEdit{}, params.Wrap(params.KindIdentity, path, err)
	}
	edit := codec.ReplaceAxisFieldsForAxis(text, axisName, lines)
	c.logSkipped(path, axisName, edit.Skipped)
	if err := doc.SetListing(TagAchsMds, edit.Text); err != nil {
		return edit, err
	}
	return edit, c.push(node, doc, path)
}

// WriteAxis writes the axis parameters of the node's channel that address
// this axis under any of its prefixes.
func (c *Client) WriteAxis(path string, agg params.Aggregate) (AxisIdentity, error) {
	node, doc, err := c.lookup(path)
	if err != nil {
		return AxisIdentity{}, err
	}
	id, err := doc.AxisIdentity()
	if err != nil {
		return id, params.Wrap(params.KindIdentity, path, err)
	}
	cc, ok := agg[id.KanalName]
	if !ok || cc == nil || cc.Axis.IsEmpty() {
		return id, params.Wrap(params.KindMapping, id.KanalName, fmt.Errorf("axis: %w", params.ErrNoData))
	}
	prefixes := id.Prefixes()
	selected := cc.Axis.Filter(func(name string) bool { return params.HasAxisPrefix(name, prefixes) })
	if selected.IsEmpty() {
		return id, params.Errorf(params.KindMapping, id.KanalName, "no parameters for %s", id.AxisName)
	}
	text, err := doc.Listing(TagAchsMds)
	if err != nil {
		return id, params.Wrap(params.KindIdentity, path, err)
	}
	edit := codec.ReplaceAxisFields(text, codec.RenderSet(selected))
	c.logSkipped(path, id.AxisName, edit.Skipped)
	if err := doc.SetListing(TagAchsMds, edit.Text); err != nil {
		return id, err
	}
	if err := c.push(node, doc, path); err != nil {
		return id, err
	}
	c.logger.Info("axis written",
		zap.String("axis", id.ItemName), zap.String("kanal", id.KanalName), zap.Int("applied", len(edit.Applied)))
	return id, nil
}

// ReadAxis reads the mapped fields of an axis node back into agg. When the
// channel already names this axis with one of its prefixes, that prefix is
// reused so entries merge instead of duplicating.
func (c *Client) ReadAxis(path string, agg params.Aggregate) (AxisIdentity, error) {
	_, doc, err := c.lookup(path)
	if err != nil {
		return AxisIdentity{}, err
	}
	id, err := doc.AxisIdentity()
	if err != nil {
		return id, params.Wrap(params.KindIdentity, path, err)
	}
	text, err := doc.Listing(TagAchsMds)
	if err != nil {
		return id, params.Wrap(params.KindIdentity, path, err)
	}
	cc := agg.Channel(id.KanalName)
	scope := id.AxisName
	for _, p := range id.Prefixes() {
		if hasScope(cc.Axis.Names, p) {
			scope = p
			break
		}
	}
	read, skipped := codec.ReadAxisFields(text, scope)
	c.logSkipped(path, scope, skipped)
	cc.Axis = cc.Axis.Merge(read)
	return id, nil
}

func hasScope(names []string, scope string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, scope+".") {
			return true
		}
	}
	return false
}

func (c *Client) logSkipped(path, axis string, skipped []error) {
	for _, err := range skipped {
		c.logger.Info("axis field skipped",
			zap.String("path", path), zap.String("axis", axis), zap.Error(err))
	}
}

// WriteAllKanals writes trafo data to every Kanal path.
func (c *Client) WriteAllKanals(paths []string, agg params.Aggregate) params.Report {
	var rep params.Report
	for _, p := range paths {
		_, err := c.WriteKanalTrafo(p, agg)
		c.record(&rep, p, params.CategoryTrafo, err)
	}
	return rep
}

// ReadAllKanals reads trafo data from every Kanal path into agg.
func (c *Client) ReadAllKanals(paths []string, agg params.Aggregate) params.Report {
	var rep params.Report
	for _, p := range paths {
		_, err := c.ReadKanalTrafo(p, agg)
		c.record(&rep, p, params.CategoryTrafo, err)
	}
	return rep
}

// WriteAllAxes writes axis data to every axis path.
func (c *Client) WriteAllAxes(paths []string, agg params.Aggregate) params.Report {
	var rep params.Report
	for _, p := range paths {
		_, err := c.WriteAxis(p, agg)
		c.record(&rep, p, params.CategoryAxis, err)
	}
	return rep
}

// ReadAllAxes reads axis data from every axis path into agg.
func (c *Client) ReadAllAxes(paths []string, agg params.Aggregate) params.Report {
	var rep params.Report
	for _, p := range paths {
		_, err := c.ReadAxis(p, agg)
		c.record(&rep, p, params.CategoryAxis, err)
	}
	return rep
}

func (c *Client) record(rep *params.Report, path, category string, err error) {
	if err != nil {
		if params.IsSkip(err) {
			c.logger.Warn("node skipped", zap.String("path", path), zap.String("category", category), zap.Error(err))
		} else {
			c.logger.Error("node failed", zap.String("path", path), zap.String("category", category), zap.Error(err))
		}
	}
	rep.Add(path, category, err)
}

// Structure derives {Kanal_N: [Axis_k...]} from the identity of every Kanal
// and axis path. Nodes that fail identity checks are left out.
func (c *Client) Structure(paths []string) (map[string][]string, params.Report) {
	out := make(map[string][]string)
	var rep params.Report
	for _, p := range KanalPaths(paths) {
		_, doc, err := c.lookup(p)
		if err == nil {
			var kanal string
			if kanal, err = doc.KanalIdentity(); err == nil {
				if _, ok := out[kanal]; !ok {
					out[kanal] = []string{}
				}
			}
		}
		c.record(&rep, p, params.CategoryTrafo, err)
	}
	for _, p := range AxisPaths(paths) {
		_, doc, err := c.lookup(p)
		if err == nil {
			var id AxisIdentity
			if id, err = doc.AxisIdentity(); err == nil {
				out[id.KanalName] = appendUnique(out[id.KanalName], id.AxisName)
			}
		}
		c.record(&rep, p, params.CategoryAxis, err)
	}
	for k := range out {
		params.SortByNumericSuffix(out[k])
	}
	return out, rep
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
