package controller

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/config"
	"github.com/SUNQC97/Pipeline-Code/internal/notify"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
	"github.com/SUNQC97/Pipeline-Code/internal/twincat"
	"github.com/SUNQC97/Pipeline-Code/internal/virtuos"
)

// OpenTree attaches to the XAE shell, or loads the exported snapshot when
// SnapshotDir is set. A snapshot is written back on release.
func OpenTree(cfg config.TwinCATConfig) (twincat.Tree, func() error, error) {
	if cfg.SnapshotDir != "" {
		tree, err := twincat.LoadDir(cfg.SnapshotDir)
		if err != nil {
			return nil, nil, err
		}
		return tree, func() error { return tree.SaveDir(cfg.SnapshotDir) }, nil
	}
	tree, err := twincat.OpenCom(cfg.ProgID, cfg.AMSNetID)
	if err != nil {
		return nil, nil, err
	}
	return tree, func() error { tree.Close(); return nil }, nil
}

// OpenVirtuos loads the remote interface DLL.
func OpenVirtuos(cfg config.VirtuosConfig) (virtuos.ParameterAPI, func() error, error) {
	if !cfg.Enabled {
		return nil, nil, errors.New("virtuos is disabled in the configuration")
	}
	dll, err := virtuos.Open(cfg.Options())
	if err != nil {
		return nil, nil, err
	}
	return dll, dll.Close, nil
}

// InitTwinCAT opens the tree session and browses the root keyword.
func (c *Controller) InitTwinCAT(ctx context.Context) error {
	return c.loop.Do(ctx, func() error {
		c.releaseTree()
		_, err := c.ensureTree()
		return err
	})
}

// ensureTree runs on the loop.
func (c *Controller) ensureTree() (*twincat.Client, error) {
	c.mu.RLock()
	cl := c.tree
	c.mu.RUnlock()
	if cl != nil {
		return cl, nil
	}
	tree, release, err := c.openTree(c.cfg.TwinCAT)
	if err != nil {
		c.logError("TwinCAT project not initialized", err)
		return nil, params.Wrap(params.KindConnection, "twincat", err)
	}
	cl = twincat.NewClient(tree, c.cfg.Sync.TrafoScale, c.logger.Named("twincat"))
	c.mu.Lock()
	c.tree, c.closeTree, c.paths = cl, release, nil
	c.mu.Unlock()
	c.Log("TwinCAT project initialized")
	return cl, nil
}

func (c *Controller) releaseTree() {
	c.mu.Lock()
	release := c.closeTree
	c.tree, c.closeTree, c.paths = nil, nil, nil
	c.mu.Unlock()
	if release != nil {
		if err := release(); err != nil {
			c.logger.Warn("release TwinCAT session", zap.Error(err))
		}
	}
}

func (c *Controller) rootKeyword() string {
	if c.cfg.TwinCAT.RootKeyword != "" {
		return c.cfg.TwinCAT.RootKeyword
	}
	return twincat.DefaultKeyword
}

// browse runs on the loop. Browsing the root keyword refreshes the cached
// paths the batch operations work on.
func (c *Controller) browse(keyword string) ([]string, error) {
	cl, err := c.ensureTree()
	if err != nil {
		return nil, err
	}
	paths, err := cl.Browse(keyword)
	if err != nil {
		return nil, err
	}
	if keyword == c.rootKeyword() {
		c.mu.Lock()
		c.paths = paths
		c.mu.Unlock()
	}
	return paths, nil
}

// Browse lists the paths below a structure keyword (TICC when empty).
func (c *Controller) Browse(ctx context.Context, keyword string) ([]string, error) {
	if keyword == "" {
		keyword = c.rootKeyword()
	}
	return notify.Call(ctx, c.loop, func() ([]string, error) {
		return c.browse(keyword)
	})
}

// Paths returns the paths of the last root browse.
func (c *Controller) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.paths...)
}

// rootPaths browses the root keyword and fails when it is empty.
func (c *Controller) rootPaths() (*twincat.Client, []string, error) {
	paths, err := c.browse(c.rootKeyword())
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, params.Wrap(params.KindMapping, c.rootKeyword(), ErrNoTwinCATTree)
	}
	c.mu.RLock()
	cl := c.tree
	c.mu.RUnlock()
	return cl, paths, nil
}

// InitVirtuos opens the DLL and resolves the Kanal block map.
func (c *Controller) InitVirtuos(ctx context.Context) error {
	return c.loop.Do(ctx, func() error {
		c.releaseVirtuos()
		_, err := c.ensureVirtuos()
		return err
	})
}

func (c *Controller) ensureVirtuos() (*virtuos.BlockStore, error) {
	c.mu.RLock()
	vs := c.vstore
	c.mu.RUnlock()
	if vs != nil {
		return vs, nil
	}
	vcfg := c.cfg.Virtuos
	blocks := vcfg.Blocks
	if vcfg.BlockMapFile != "" {
		bm, err := virtuos.LoadBlockMap(vcfg.BlockMapFile)
		if err != nil {
			return nil, params.Wrap(params.KindMapping, vcfg.BlockMapFile, err)
		}
		var errs []error
		blocks, errs = bm.Resolve(vcfg.Blocks)
		for _, e := range errs {
			c.logger.Warn("virtuos block not resolved", zap.Error(e))
		}
	}
	if len(blocks) == 0 {
		return nil, params.Errorf(params.KindMapping, "virtuos", "no Kanal blocks configured")
	}
	api, release, err := c.openVirtuos(vcfg)
	if err != nil {
		c.logError("Virtuos not connected", err)
		return nil, params.Wrap(params.KindConnection, "virtuos", err)
	}
	vs = virtuos.NewBlockStore(api, blocks, c.logger.Named("virtuos"))
	vs.SetMaxAxisIndex(vcfg.MaxAxisIndex)
	c.mu.Lock()
	c.vstore, c.closeVirtuos = vs, release
	c.mu.Unlock()
	c.Log(fmt.Sprintf("Virtuos connected, %d Kanal blocks", len(blocks)))
	return vs, nil
}

func (c *Controller) releaseVirtuos() {
	c.mu.Lock()
	release := c.closeVirtuos
	c.vstore, c.closeVirtuos = nil, nil
	c.mu.Unlock()
	if release != nil {
		if err := release(); err != nil {
			c.logger.Warn("release Virtuos", zap.Error(err))
		}
	}
}
