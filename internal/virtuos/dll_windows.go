//go:build windows

package virtuos

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const valueBufferSize = 2048

// DLL binds the Virtuos remote interface library.
type DLL struct {
	mu      sync.Mutex
	lib     *windows.LazyDLL
	started bool

	initDLL, startVirtuos, setCorbaInfo, startConnection, isOpened, loadProject *windows.LazyProc
	getParameter, setParameter, stopVirtuos, stopConnection, detachDLL          *windows.LazyProc
}

func status(r uintptr) int32 { return int32(r) }

// Open loads the library, optionally starts the executable, connects to the
// CORBA server and makes sure the project is loaded.
func Open(opts Options) (*DLL, error) {
	opts = opts.withDefaults()
	lib := windows.NewLazyDLL(opts.LibPath)
	if err := lib.Load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", opts.LibPath, err)
	}
	d := &DLL{
		lib:             lib,
		initDLL:         lib.NewProc("initDLL"),
		startVirtuos:    lib.NewProc("startVirtuos"),
		setCorbaInfo:    lib.NewProc("setCorbaInfo"),
		startConnection: lib.NewProc("startConnection"),
		isOpened:        lib.NewProc("isOpened"),
		loadProject:     lib.NewProc("loadProject"),
		getParameter:    lib.NewProc("getParameter"),
		setParameter:    lib.NewProc("setParameter"),
		stopVirtuos:     lib.NewProc("stopVirtuos"),
		stopConnection:  lib.NewProc("stopConnection"),
		detachDLL:       lib.NewProc("detachDLL"),
	}
	for _, p := range []*windows.LazyProc{d.initDLL, d.setCorbaInfo, d.startConnection, d.getParameter, d.setParameter} {
		if err := p.Find(); err != nil {
			return nil, err
		}
	}
	d.initDLL.Call()

	if opts.ExePath != "" {
		exe, err := windows.BytePtrFromString(opts.ExePath)
		if err != nil {
			return nil, err
		}
		arg, _ := windows.BytePtrFromString("-startcorbaserver")
		argv := [1]*byte{arg}
		var pid int64
		r, _, _ := d.startVirtuos.Call(uintptr(unsafe.Pointer(exe)), 1,
			uintptr(unsafe.Pointer(&argv[0])), uintptr(unsafe.Pointer(&pid)))
		if st := status(r); st != StatusOK {
			return nil, fmt.Errorf("start virtuos: status %d", st)
		}
		d.started = true
	}

	ip, err := windows.BytePtrFromString(opts.CorbaIP)
	if err != nil {
		return nil, err
	}
	port, err := windows.BytePtrFromString(opts.CorbaPort)
	if err != nil {
		return nil, err
	}
	server, err := windows.BytePtrFromString(opts.CorbaServer)
	if err != nil {
		return nil, err
	}
	r, _, _ := d.setCorbaInfo.Call(uintptr(unsafe.Pointer(ip)), uintptr(unsafe.Pointer(port)), uintptr(unsafe.Pointer(server)))
	if st := status(r); st != StatusOK {
		return nil, fmt.Errorf("set corba info: status %d", st)
	}
	if r, _, _ := d.startConnection.Call(); status(r) != StatusOK {
		return nil, fmt.Errorf("start connection: status %d", status(r))
	}
	if r, _, _ := d.isOpened.Call(); status(r) != StatusOK {
		if opts.ProjectPath == "" {
			return nil, fmt.Errorf("no project open and none configured")
		}
		project, err := windows.BytePtrFromString(opts.ProjectPath)
		if err != nil {
			return nil, err
		}
		if r, _, _ := d.loadProject.Call(uintptr(unsafe.Pointer(project)), 1); status(r) != StatusOK {
			return nil, fmt.Errorf("load project %s: status %d", opts.ProjectPath, status(r))
		}
	}
	return d, nil
}

func (d *DLL) GetParameter(path string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, err := windows.BytePtrFromString(path)
	if err != nil {
		return "", false
	}
	buf := make([]byte, valueBufferSize)
	size := uint32(len(buf))
	r, _, _ := d.getParameter.Call(uintptr(unsafe.Pointer(name)), uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)))
	if status(r) != StatusOK {
		return "", false
	}
	return windows.ByteSliceToString(buf), true
}

func (d *DLL) SetParameter(path, value string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, err := windows.BytePtrFromString(path)
	if err != nil {
		return StatusFailed
	}
	val, err := windows.BytePtrFromString(value)
	if err != nil {
		return StatusFailed
	}
	r, _, _ := d.setParameter.Call(uintptr(unsafe.Pointer(name)), uintptr(unsafe.Pointer(val)))
	return int(status(r))
}

// Close stops what Open started and detaches the library.
func (d *DLL) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.stopVirtuos.Call()
	}
	d.stopConnection.Call()
	if r, _, _ := d.detachDLL.Call(); status(r) != StatusOK {
		return fmt.Errorf("detach dll: status %d", status(r))
	}
	return nil
}
