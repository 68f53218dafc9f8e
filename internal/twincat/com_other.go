//go:build !windows

package twincat

import "errors"

const DefaultProgID = "TcXaeShell.DTE.15.0"

// ComTree is only available on Windows.
type ComTree struct{}

func OpenCom(progID, amsNetID string) (*ComTree, error) {
	return nil, errors.New("twincat automation requires windows")
}

func (t *ComTree) Close() {}

func (t *ComTree) Lookup(path string) (Node, error) { return nil, ErrNodeNotFound }

func (t *ComTree) ActivateConfiguration() error { return errors.New("twincat automation requires windows") }

func (t *ComTree) StartRestart() error { return errors.New("twincat automation requires windows") }
