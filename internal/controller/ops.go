package controller

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/codec"
	"github.com/SUNQC97/Pipeline-Code/internal/exporter"
	"github.com/SUNQC97/Pipeline-Code/internal/notify"
	"github.com/SUNQC97/Pipeline-Code/internal/opc"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
	"github.com/SUNQC97/Pipeline-Code/internal/reconcile"
	"github.com/SUNQC97/Pipeline-Code/internal/twincat"
)

// Audit trail values written after a TwinCAT read.
const (
	ReadNode      = "Read_from_TwinCAT"
	ReadOperation = "TwinCAT_Read_Operation"

	VirtuosReadNode      = "Read_from_Virtuos"
	VirtuosReadOperation = "Virtuos_Read_Operation"
)

// Snapshot files written next to the comparison result.
const (
	OPCUAStructureFile   = "opcua_structure.json"
	TwinCATStructureFile = "twincat_structure.json"
)

// ExportNode dumps the node XML into the export dir.
func (c *Controller) ExportNode(ctx context.Context, path string) (string, error) {
	return notify.Call(ctx, c.loop, func() (string, error) {
		cl, err := c.ensureTree()
		if err != nil {
			return "", err
		}
		file, err := cl.ExportNode(path, c.cfg.TwinCAT.ExportDir)
		if err != nil {
			c.logError("export "+path, err)
			return "", err
		}
		c.Log("exported " + path + " to " + file)
		return file, nil
	})
}

// ImportNode loads XML into the node at path. An empty file selects
// <import dir>/<last segment>.xml.
func (c *Controller) ImportNode(ctx context.Context, path, file string) error {
	if file == "" {
		file = twincat.FilePath(c.cfg.TwinCAT.ImportDir, path)
	}
	return c.loop.Do(ctx, func() error {
		cl, err := c.ensureTree()
		if err != nil {
			return err
		}
		if err := cl.ImportNode(path, file); err != nil {
			c.logError("import "+path, err)
			return err
		}
		c.Log("imported " + file + " into " + path)
		return nil
	})
}

// SaveUpload stores an uploaded XML file in the import dir.
func (c *Controller) SaveUpload(name string, r io.Reader) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || !strings.EqualFold(filepath.Ext(base), ".xml") {
		return "", fmt.Errorf("upload %q: only .xml files are accepted", name)
	}
	if err := os.MkdirAll(c.cfg.TwinCAT.ImportDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(c.cfg.TwinCAT.ImportDir, base)
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	c.Log("uploaded " + base)
	return dst, nil
}

// Activate activates the TwinCAT configuration and restarts the runtime.
func (c *Controller) Activate(ctx context.Context) error {
	return c.loop.Do(ctx, func() error {
		cl, err := c.ensureTree()
		if err != nil {
			return err
		}
		if err := cl.Activate(); err != nil {
			c.logError("activation failed", err)
			return err
		}
		c.Log("configuration activated, TwinCAT restarted")
		return nil
	})
}

// ApplyResult reports a write of the OPC UA aggregate into TwinCAT.
type ApplyResult struct {
	Skipped bool          `json:"skipped"`
	Trafo   params.Report `json:"trafo"`
	Axis    params.Report `json:"axis"`
}

// OneClickApply writes the trafo of every Kanal and the matching axis
// parameters of every axis node. It does nothing while the skip flag of a
// preceding read is armed.
func (c *Controller) OneClickApply(ctx context.Context) (ApplyResult, error) {
	return notify.Call(ctx, c.loop, func() (ApplyResult, error) {
		return c.apply(ctx)
	})
}

func (c *Controller) apply(ctx context.Context) (ApplyResult, error) {
	if c.skip.Consume() {
		c.Log("apply skipped: changes come from the last TwinCAT read")
		return ApplyResult{Skipped: true}, nil
	}
	defer c.skip.Clear()

	if _, _, err := c.session(); err != nil {
		return ApplyResult{}, err
	}
	cl, paths, err := c.rootPaths()
	if err != nil {
		return ApplyResult{}, err
	}
	agg, _, err := c.readOPCUA(ctx)
	if err != nil {
		return ApplyResult{}, err
	}
	if len(agg) == 0 {
		return ApplyResult{}, params.Wrap(params.KindMapping, "opcua", params.ErrNoData)
	}

	var res ApplyResult
	res.Trafo = cl.WriteAllKanals(twincat.KanalPaths(paths), agg)
	c.Log("trafo written: " + res.Trafo.Summary())
	res.Axis = cl.WriteAllAxes(twincat.AxisPaths(paths), agg)
	c.Log("axes written: " + res.Axis.Summary())
	return res, nil
}

// ReadResult reports a TwinCAT read mirrored into OPC UA.
type ReadResult struct {
	Trafo     params.Report    `json:"trafo"`
	Axis      params.Report    `json:"axis"`
	Written   params.Report    `json:"written"`
	Aggregate params.Aggregate `json:"aggregate"`
}

// OneClickRead reads every Kanal and axis node into the aggregate held by
// OPC UA and writes it back there. The echo of that write is skipped once.
func (c *Controller) OneClickRead(ctx context.Context) (ReadResult, error) {
	return notify.Call(ctx, c.loop, func() (ReadResult, error) {
		return c.read(ctx)
	})
}

func (c *Controller) read(ctx context.Context) (ReadResult, error) {
	store, _, err := c.session()
	if err != nil {
		return ReadResult{}, err
	}
	c.skip.Set()
	cl, paths, err := c.rootPaths()
	if err != nil {
		c.skip.Clear()
		return ReadResult{}, err
	}
	agg, _, err := c.readOPCUA(ctx)
	if err != nil {
		c.skip.Clear()
		return ReadResult{}, err
	}

	var res ReadResult
	res.Trafo = cl.ReadAllKanals(twincat.KanalPaths(paths), agg)
	res.Axis = cl.ReadAllAxes(twincat.AxisPaths(paths), agg)
	res.Written = params.WriteAll(ctx, store, agg, c.logger)
	res.Aggregate = agg
	if len(res.Written.Succeeded) == 0 {
		c.skip.Clear()
	}
	c.Log("TwinCAT read mirrored to OPC UA: " + res.Written.Summary())
	c.writeAudit(ctx, ReadNode, ReadOperation)
	return res, nil
}

// ReadTwinCAT reads every Kanal and axis node into a fresh aggregate without
// touching OPC UA.
func (c *Controller) ReadTwinCAT(ctx context.Context) (params.Aggregate, params.Report, error) {
	out, err := notify.Call(ctx, c.loop, func() (aggregateRead, error) {
		cl, paths, err := c.rootPaths()
		if err != nil {
			return aggregateRead{}, err
		}
		agg := params.Aggregate{}
		rep := cl.ReadAllKanals(twincat.KanalPaths(paths), agg)
		rep.Merge(cl.ReadAllAxes(twincat.AxisPaths(paths), agg))
		return aggregateRead{agg, rep}, nil
	})
	return out.agg, out.rep, err
}

// StartListener monitors the JSON variables of every channel. Changes are
// debounced into pending entries.
func (c *Controller) StartListener(ctx context.Context) (int, error) {
	return notify.Call(ctx, c.loop, func() (int, error) {
		store, _, err := c.session()
		if err != nil {
			return 0, err
		}
		c.mu.RLock()
		ex, running := c.exchange, len(c.monitored)
		c.mu.RUnlock()
		if running > 0 {
			c.Log("listener already running")
			return running, nil
		}
		channels, err := store.ListChannels(ctx)
		if err != nil {
			return 0, err
		}
		ids, err := store.VariableIDs(ctx, channels)
		if err != nil {
			return 0, err
		}
		if len(ids) == 0 {
			return 0, params.Wrap(params.KindMapping, "opcua", params.ErrNoData)
		}
		ex.SetHandler(opc.HandlerFunc(func(nodeID string, _ *ua.DataValue) {
			c.logger.Debug("data change", zap.String("node", nodeID))
			c.debouncer.Trigger()
		}))
		var monitored []string
		for _, id := range ids {
			if err := ex.MonitorItem(ctx, id); err != nil {
				c.logger.Warn("monitor failed", zap.String("node", id), zap.Error(err))
				continue
			}
			monitored = append(monitored, id)
		}
		if len(monitored) == 0 {
			return 0, params.Errorf(params.KindConnection, "opcua", "no variable could be monitored")
		}
		c.mu.Lock()
		c.monitored = monitored
		c.mu.Unlock()
		c.Log(fmt.Sprintf("listening on %d variables of %d channels", len(monitored), len(channels)))
		c.emit(EventStatus, "listening", nil)
		return len(monitored), nil
	})
}

// StopListener stops observing; the session stays open.
func (c *Controller) StopListener(ctx context.Context) error {
	return c.loop.Do(ctx, func() error {
		c.stopListener(ctx)
		return nil
	})
}

func (c *Controller) stopListener(ctx context.Context) {
	c.mu.Lock()
	ex, ids := c.exchange, c.monitored
	c.monitored = nil
	c.mu.Unlock()
	c.debouncer.Stop()
	if len(ids) == 0 {
		return
	}
	if ex != nil {
		for _, id := range ids {
			if err := ex.UnmonitorItem(ctx, id); err != nil {
				c.logger.Warn("unmonitor failed", zap.String("node", id), zap.Error(err))
			}
		}
		ex.SetHandler(nil)
	}
	c.Log("listener stopped")
	c.emit(EventStatus, "listener stopped", nil)
}

// Comparison is the outcome of a structural comparison.
type Comparison struct {
	OPCUA   reconcile.Structure `json:"opcua"`
	TwinCAT reconcile.Structure `json:"twincat"`
	Result  reconcile.Result    `json:"result"`
	File    string              `json:"file,omitempty"`
	Report  params.Report       `json:"report"`
}

// CompareStructure diffs the channels and axes of OPC UA against TwinCAT and
// saves the result to the output dir.
func (c *Controller) CompareStructure(ctx context.Context) (Comparison, error) {
	return notify.Call(ctx, c.loop, func() (Comparison, error) {
		return c.compare(ctx)
	})
}

func (c *Controller) compare(ctx context.Context) (Comparison, error) {
	store, _, err := c.session()
	if err != nil {
		return Comparison{}, err
	}
	cl, paths, err := c.rootPaths()
	if err != nil {
		return Comparison{}, err
	}
	channels, err := store.ListChannels(ctx)
	if err != nil {
		return Comparison{}, err
	}
	var cmp Comparison
	opcuaStruct, rep := store.Structure(ctx, channels)
	tcStruct, tcRep := cl.Structure(paths)
	rep.Merge(tcRep)
	cmp.OPCUA, cmp.TwinCAT, cmp.Report = opcuaStruct, tcStruct, rep
	cmp.Result = reconcile.Compare(cmp.OPCUA, cmp.TwinCAT)

	dir := c.cfg.Output.TempDir
	for name, v := range map[string]any{OPCUAStructureFile: cmp.OPCUA, TwinCATStructureFile: cmp.TwinCAT} {
		if _, err := reconcile.Save(dir, name, v); err != nil {
			c.logger.Warn("structure snapshot not saved", zap.String("file", name), zap.Error(err))
		}
	}
	file, err := reconcile.Save(dir, reconcile.ComparisonFile, cmp.Result)
	if err != nil {
		c.logger.Warn("comparison not saved", zap.Error(err))
	}
	cmp.File = file
	if cmp.Result.InSync() {
		c.Log("structures match")
	} else {
		c.Log(fmt.Sprintf("structure differs: %d missing Kanals, %d Kanals missing axes",
			len(cmp.Result.MissingKanals), len(cmp.Result.MissingAxes)))
	}
	return cmp, nil
}

// CreateResult reports the nodes created for a comparison.
type CreateResult struct {
	Comparison Comparison        `json:"comparison"`
	Created    reconcile.Created `json:"created"`
	Report     params.Report     `json:"report"`
}

// CreateStructure compares and creates what TwinCAT is missing, then
// refreshes the known paths.
func (c *Controller) CreateStructure(ctx context.Context) (CreateResult, error) {
	return notify.Call(ctx, c.loop, func() (CreateResult, error) {
		var res CreateResult
		cmp, err := c.compare(ctx)
		if err != nil {
			return res, err
		}
		res.Comparison = cmp
		if len(cmp.Result.MissingKanals) == 0 && len(cmp.Result.MissingAxes) == 0 {
			c.Log("nothing to create")
			res.Created = reconcile.Created{Kanals: []string{}, Axes: []string{}}
			return res, nil
		}
		c.mu.RLock()
		cl, paths := c.tree, c.paths
		c.mu.RUnlock()
		res.Created, res.Report = reconcile.CreateMissing(cl, paths, cmp.Result, c.logger)
		c.Log(res.Created.Summary())
		if _, err := c.browse(c.rootKeyword()); err != nil {
			c.logger.Warn("browse after create failed", zap.Error(err))
		}
		return res, nil
	})
}

// WriteKanalTrafo writes the trafo lines OPC UA holds for kanal to the node
// at path as they are. An empty path selects the node named after kanal.
func (c *Controller) WriteKanalTrafo(ctx context.Context, kanal, path string) (string, error) {
	return notify.Call(ctx, c.loop, func() (string, error) {
		store, _, err := c.session()
		if err != nil {
			return "", err
		}
		ps, err := store.FetchTrafo(ctx, kanal)
		if err != nil {
			return "", err
		}
		cl, paths, err := c.rootPaths()
		if err != nil {
			return "", err
		}
		target := path
		if target == "" {
			p, ok := twincat.FindBySuffix(paths, kanal)
			if !ok {
				return "", params.Errorf(params.KindMapping, kanal, "no TwinCAT path")
			}
			target = p
		}
		if err := cl.WriteTrafoLines(target, codec.RenderSet(ps)); err != nil {
			c.logError("trafo write "+target, err)
			return target, err
		}
		c.Log(fmt.Sprintf("%s trafo written to %s", kanal, target))
		return target, nil
	})
}

// WriteAxisWithMapping writes the axis lines of kanal to the TwinCAT nodes
// named in the mapping file, one axis at a time.
func (c *Controller) WriteAxisWithMapping(ctx context.Context, kanal string) (params.Report, error) {
	return notify.Call(ctx, c.loop, func() (params.Report, error) {
		var rep params.Report
		entries := c.mapping.Axes(kanal)
		if len(entries) == 0 {
			return rep, params.Errorf(params.KindMapping, kanal, "not found in mapping")
		}
		store, _, err := c.session()
		if err != nil {
			return rep, err
		}
		axis, err := store.FetchAxis(ctx, kanal)
		if err != nil {
			return rep, err
		}
		cl, paths, err := c.rootPaths()
		if err != nil {
			return rep, err
		}
		lines := codec.RenderSet(axis)
		for _, e := range entries {
			target := kanal + "." + e.Axis
			path, ok := twincat.FindBySuffix(paths, e.Node)
			if !ok {
				rep.Fail(target, params.CategoryAxis, params.Errorf(params.KindMapping, e.Node, "no TwinCAT path"))
				continue
			}
			scoped := linesWithPrefix(lines, e.Axis+".")
			if len(scoped) == 0 {
				rep.Fail(target, params.CategoryAxis, params.Errorf(params.KindMapping, e.Axis, "no parameters"))
				continue
			}
			edit, err := cl.WriteAxisLines(path, scoped)
			if err == nil && len(edit.Applied) == 0 {
				err = params.Errorf(params.KindMapping, path, "no field of %s applied", e.Axis)
			}
			if err != nil {
				c.logger.Warn("axis write failed", zap.String("axis", e.Axis), zap.String("path", path), zap.Error(err))
				rep.Fail(target, params.CategoryAxis, err)
				continue
			}
			c.Log(fmt.Sprintf("%s written to %s", e.Axis, path))
			rep.Ok(target, params.CategoryAxis)
		}
		return rep, nil
	})
}

// WriteAxisToPath applies every axis line of kanal to one axis node; only
// lines scoped to that node's axis number take effect.
func (c *Controller) WriteAxisToPath(ctx context.Context, kanal, path string) ([]string, error) {
	return notify.Call(ctx, c.loop, func() ([]string, error) {
		store, _, err := c.session()
		if err != nil {
			return nil, err
		}
		axis, err := store.FetchAxis(ctx, kanal)
		if err != nil {
			return nil, err
		}
		cl, err := c.ensureTree()
		if err != nil {
			return nil, err
		}
		edit, err := cl.WriteAxisLines(path, codec.RenderSet(axis))
		if err != nil {
			return nil, err
		}
		c.Log(fmt.Sprintf("%d axis fields written to %s", len(edit.Applied), path))
		return edit.Applied, nil
	})
}

func linesWithPrefix(lines []string, prefix string) []string {
	var out []string
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

// VirtuosToOPCUA copies every mapped Virtuos block into OPC UA.
func (c *Controller) VirtuosToOPCUA(ctx context.Context) (params.Report, error) {
	return notify.Call(ctx, c.loop, func() (params.Report, error) {
		store, _, err := c.session()
		if err != nil {
			return params.Report{}, err
		}
		vs, err := c.ensureVirtuos()
		if err != nil {
			return params.Report{}, err
		}
		agg, rep := params.ReadAll(ctx, vs, vs.Channels(), c.logger)
		if len(agg) == 0 {
			return rep, params.Wrap(params.KindMapping, "virtuos", params.ErrNoData)
		}
		c.skip.Set()
		written := params.WriteAll(ctx, store, agg, c.logger)
		if len(written.Succeeded) == 0 {
			c.skip.Clear()
		}
		rep.Merge(written)
		c.Log("Virtuos copied to OPC UA: " + written.Summary())
		c.writeAudit(ctx, VirtuosReadNode, VirtuosReadOperation)
		return rep, nil
	})
}

// OPCUAToVirtuos writes the OPC UA aggregate into the Virtuos blocks of the
// channels that have one.
func (c *Controller) OPCUAToVirtuos(ctx context.Context) (params.Report, error) {
	return notify.Call(ctx, c.loop, func() (params.Report, error) {
		vs, err := c.ensureVirtuos()
		if err != nil {
			return params.Report{}, err
		}
		agg, rep, err := c.readOPCUA(ctx)
		if err != nil {
			return rep, err
		}
		mapped := params.Aggregate{}
		for _, kanal := range vs.Channels() {
			if cc, ok := agg[kanal]; ok {
				mapped[kanal] = cc
			}
		}
		if len(mapped) == 0 {
			return rep, params.Wrap(params.KindMapping, "virtuos", params.ErrNoData)
		}
		written := params.WriteAll(ctx, vs, mapped, c.logger)
		rep.Merge(written)
		c.Log("OPC UA copied to Virtuos: " + written.Summary())
		return rep, nil
	})
}

// AddressSpace browses the exchange server below the Objects folder.
func (c *Controller) AddressSpace(ctx context.Context) (*exporter.ExportNode, error) {
	return notify.Call(ctx, c.loop, func() (*exporter.ExportNode, error) {
		c.mu.RLock()
		ex := c.exchange
		c.mu.RUnlock()
		if ex == nil {
			return nil, params.Wrap(params.KindConnection, "opcua", params.ErrNotConnected)
		}
		return exporter.New(ex, c.logger).AddressSpace(ctx, "")
	})
}
