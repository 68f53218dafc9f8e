// Package virtuos reads and writes simulation block parameters through the
// Virtuos remote interface.
package virtuos

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// Status codes returned by the remote interface.
const (
	StatusOK     = 0  // V_SUCCD
	StatusFailed = -1 // V_DAMGD
)

// MaxAxisIndex is the highest Axis_/Ext_ index probed on read.
const MaxAxisIndex = 98

// MaxTrafoParams bounds the par_N probe of ReadTrafo.
const MaxTrafoParams = 9999

// AxisGroups are the axis prefixes a controller block exposes.
var AxisGroups = []string{"Axis", "Ext"}

// AxisFields are the per-axis parameters a controller block exposes, in read
// order.
var AxisFields = []string{"ratio", "s_min", "s_max", "s_init", "v_max", "a_max"}

var ErrBlockNotMapped = errors.New("no Virtuos block for channel")

// ParameterAPI is the part of the remote interface the sync logic needs.
// Paths use the bracketed dot notation "[Block Diagram].[Controller].[par_5]".
type ParameterAPI interface {
	GetParameter(path string) (string, bool)
	SetParameter(path, value string) int
}

// ReadTrafo reads KinID and par_0, par_1, ... up to the first missing index
// or MaxTrafoParams entries.
func ReadTrafo(api ParameterAPI, block string) (params.ParameterSet, error) {
	var ps params.ParameterSet
	if v, ok := api.GetParameter(params.VirtuosPath(block, params.VirtuosKinID)); ok {
		ps.Names = append(ps.Names, params.TrafoIDName)
		ps.Values = append(ps.Values, v)
	}
	for i := 0; i < MaxTrafoParams; i++ {
		v, ok := api.GetParameter(params.VirtuosPath(block, params.VirtuosName(params.TrafoParamName(i))))
		if !ok {
			break
		}
		ps.Names = append(ps.Names, params.TrafoParamName(i))
		ps.Values = append(ps.Values, v)
	}
	if ps.IsEmpty() {
		return ps, params.Wrap(params.KindMapping, block, fmt.Errorf("trafo: %w", params.ErrNoData))
	}
	return ps, nil
}

// ReadAxis probes every group, index and field and returns the ones present.
func ReadAxis(api ParameterAPI, block string, maxIndex int) params.ParameterSet {
	if maxIndex <= 0 {
		maxIndex = MaxAxisIndex
	}
	var ps params.ParameterSet
	for _, group := range AxisGroups {
		for idx := 1; idx <= maxIndex; idx++ {
			for _, field := range AxisFields {
				name := fmt.Sprintf("%s_%d.%s", group, idx, field)
				if v, ok := api.GetParameter(params.VirtuosPath(block, name)); ok {
					ps.Names = append(ps.Names, name)
					ps.Values = append(ps.Values, v)
				}
			}
		}
	}
	return ps
}

// WriteSet writes every entry of ps below block, translating names into
// Virtuos form. It returns one error per rejected entry.
func WriteSet(api ParameterAPI, block string, ps params.ParameterSet) []error {
	var failed []error
	for i, name := range ps.Names {
		if i >= len(ps.Values) {
			break
		}
		path := params.VirtuosPath(block, params.VirtuosName(name))
		if status := api.SetParameter(path, ps.Values[i]); status != StatusOK {
			failed = append(failed, params.Errorf(params.KindMapping, path, "set parameter status %d", status))
		}
	}
	return failed
}

// BlockStore exposes the controller blocks of a Virtuos project as a
// per-channel parameter source and sink.
type BlockStore struct {
	api      ParameterAPI
	blocks   map[string]string
	maxIndex int
	logger   *zap.Logger
}

// NewBlockStore maps each Kanal_N to the block path holding its parameters.
func NewBlockStore(api ParameterAPI, blocks map[string]string, logger *zap.Logger) *BlockStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockStore{api: api, blocks: blocks, maxIndex: MaxAxisIndex, logger: logger}
}

// SetMaxAxisIndex bounds the axis probe; values outside 1..MaxAxisIndex are
// ignored.
func (s *BlockStore) SetMaxAxisIndex(n int) {
	if n > 0 && n <= MaxAxisIndex {
		s.maxIndex = n
	}
}

// Channels lists the mapped channels ordered by number.
func (s *BlockStore) Channels() []string {
	out := make([]string, 0, len(s.blocks))
	for k := range s.blocks {
		out = append(out, k)
	}
	params.SortByNumericSuffix(out)
	return out
}

func (s *BlockStore) block(kanal string) (string, error) {
	if s.api == nil {
		return "", params.Wrap(params.KindConnection, "virtuos", params.ErrNotConnected)
	}
	b, ok := s.blocks[kanal]
	if !ok || b == "" {
		return "", params.Wrap(params.KindMapping, kanal, ErrBlockNotMapped)
	}
	return b, nil
}

func (s *BlockStore) FetchTrafo(ctx context.Context, kanal string) (params.ParameterSet, error) {
	b, err := s.block(kanal)
	if err != nil {
		return params.ParameterSet{}, err
	}
	return ReadTrafo(s.api, b)
}

func (s *BlockStore) FetchAxis(ctx context.Context, kanal string) (params.ParameterSet, error) {
	b, err := s.block(kanal)
	if err != nil {
		return params.ParameterSet{}, err
	}
	return ReadAxis(s.api, b, s.maxIndex), nil
}

func (s *BlockStore) StoreTrafo(ctx context.Context, kanal string, ps params.ParameterSet) error {
	return s.store(kanal, params.CategoryTrafo, ps)
}

func (s *BlockStore) StoreAxis(ctx context.Context, kanal string, ps params.ParameterSet) error {
	return s.store(kanal, params.CategoryAxis, ps)
}

func (s *BlockStore) store(kanal, category string, ps params.ParameterSet) error {
	b, err := s.block(kanal)
	if err != nil {
		return err
	}
	failed := WriteSet(s.api, b, ps)
	for _, e := range failed {
		s.logger.Warn("virtuos parameter rejected", zap.String("kanal", kanal), zap.Error(e))
	}
	if len(failed) > 0 {
		return params.Errorf(params.KindMapping, kanal, "%s: %d of %d parameters rejected", category, len(failed), ps.Len())
	}
	s.logger.Info("virtuos parameters written", zap.String("kanal", kanal), zap.String("category", category), zap.Int("params", ps.Len()))
	return nil
}
