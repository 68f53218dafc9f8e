//go:build !windows

package virtuos

import "errors"

// DLL is only available on Windows.
type DLL struct{}

func Open(opts Options) (*DLL, error) {
	return nil, errors.New("virtuos remote interface requires windows")
}

func (d *DLL) GetParameter(string) (string, bool) { return "", false }

func (d *DLL) SetParameter(string, string) int { return StatusFailed }

func (d *DLL) Close() error { return nil }
