//go:build windows

package twincat

import (
	"errors"
	"fmt"
	"runtime"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// DefaultProgID is the automation object of the XAE shell.
const DefaultProgID = "TcXaeShell.DTE.15.0"

// ComTree drives a running XAE shell through its automation interface.
// COM apartments are per thread, so callers must stay on the goroutine that
// opened the session; OpenCom locks it to its OS thread.
type ComTree struct {
	dte    *ole.IDispatch
	sysman *ole.IDispatch
}

// OpenCom attaches to the running shell, picks the first project of the open
// solution and targets amsNetID.
func OpenCom(progID, amsNetID string) (*ComTree, error) {
	runtime.LockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil && !alreadyInitialized(err) {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("co initialize: %w", err)
	}
	if progID == "" {
		progID = DefaultProgID
	}
	unknown, err := oleutil.GetActiveObject(progID)
	if err != nil {
		ole.CoUninitialize()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("attach %s: %w", progID, err)
	}
	defer unknown.Release()
	dte, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		ole.CoUninitialize()
		runtime.UnlockOSThread()
		return nil, err
	}
	t := &ComTree{dte: dte}
	if err := t.open(amsNetID); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// S_FALSE: the thread already joined an apartment.
func alreadyInitialized(err error) bool {
	var oe *ole.OleError
	return errors.As(err, &oe) && oe.Code() == 1
}

func (t *ComTree) open(amsNetID string) error {
	if _, err := oleutil.PutProperty(t.dte, "SuppressUI", true); err != nil {
		return fmt.Errorf("suppress ui: %w", err)
	}
	solution, err := oleutil.GetProperty(t.dte, "Solution")
	if err != nil {
		return fmt.Errorf("solution: %w", err)
	}
	defer solution.Clear()
	projects, err := oleutil.GetProperty(solution.ToIDispatch(), "Projects")
	if err != nil {
		return fmt.Errorf("projects: %w", err)
	}
	defer projects.Clear()
	count, err := oleutil.GetProperty(projects.ToIDispatch(), "Count")
	if err != nil {
		return err
	}
	if n, _ := count.Value().(int32); n == 0 {
		return fmt.Errorf("no projects loaded from solution")
	}
	project, err := oleutil.CallMethod(projects.ToIDispatch(), "Item", 1)
	if err != nil {
		return fmt.Errorf("project 1: %w", err)
	}
	defer project.Clear()
	sysman, err := oleutil.GetProperty(project.ToIDispatch(), "Object")
	if err != nil {
		return fmt.Errorf("system manager: %w", err)
	}
	t.sysman = sysman.ToIDispatch()
	if amsNetID != "" {
		if _, err := oleutil.CallMethod(t.sysman, "SetTargetNetId", amsNetID); err != nil {
			return fmt.Errorf("set target net id: %w", err)
		}
	}
	return nil
}

func (t *ComTree) Close() {
	if t.sysman != nil {
		t.sysman.Release()
		t.sysman = nil
	}
	if t.dte != nil {
		t.dte.Release()
		t.dte = nil
	}
	ole.CoUninitialize()
	runtime.UnlockOSThread()
}

func (t *ComTree) Lookup(path string) (Node, error) {
	v, err := oleutil.CallMethod(t.sysman, "LookupTreeItem", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeNotFound, path, err)
	}
	return &comNode{item: v.ToIDispatch()}, nil
}

func (t *ComTree) ActivateConfiguration() error {
	_, err := oleutil.CallMethod(t.sysman, "ActivateConfiguration")
	return err
}

func (t *ComTree) StartRestart() error {
	_, err := oleutil.CallMethod(t.sysman, "StartRestartTwinCAT")
	return err
}

type comNode struct {
	item *ole.IDispatch
}

func (n *comNode) Name() string {
	v, err := oleutil.GetProperty(n.item, "Name")
	if err != nil {
		return ""
	}
	defer v.Clear()
	return v.ToString()
}

func (n *comNode) Children() ([]Node, error) {
	cnt, err := oleutil.GetProperty(n.item, "ChildCount")
	if err != nil {
		return nil, err
	}
	total, _ := cnt.Value().(int32)
	out := make([]Node, 0, total)
	for i := int32(1); i <= total; i++ {
		c, err := oleutil.CallMethod(n.item, "Child", i)
		if err != nil {
			return out, err
		}
		out = append(out, &comNode{item: c.ToIDispatch()})
	}
	return out, nil
}

func (n *comNode) ProduceXML(resolveRefs bool) (string, error) {
	v, err := oleutil.CallMethod(n.item, "ProduceXml", resolveRefs)
	if err != nil {
		return "", err
	}
	defer v.Clear()
	return v.ToString(), nil
}

func (n *comNode) ConsumeXML(xml string) error {
	_, err := oleutil.CallMethod(n.item, "ConsumeXml", xml)
	return err
}

func (n *comNode) CreateChild(name string, subtype int) (Node, error) {
	v, err := oleutil.CallMethod(n.item, "CreateChild", name, int32(subtype), "", nil)
	if err != nil {
		return nil, err
	}
	return &comNode{item: v.ToIDispatch()}, nil
}
