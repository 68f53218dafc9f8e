package opc

import (
	"context"
	"strings"
	"sync"

	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

const (
	TrafoVariable = "TrafoConfigJSON"
	AxisVariable  = "AxisConfigJSON"

	// DefaultNamespace is where the exchange server registers its objects.
	DefaultNamespace uint16 = 2
)

// NodeIO is the subset of Client the stores need.
type NodeIO interface {
	Browse(ctx context.Context, nodeID string) ([]NodeRef, error)
	ReadString(ctx context.Context, nodeID string) (string, error)
	WriteString(ctx context.Context, nodeID, value string) error
}

// resolver walks browse names below Objects and caches the node ids.
type resolver struct {
	io NodeIO
	ns uint16

	mu    sync.Mutex
	cache map[string]string
}

func newResolver(io NodeIO, ns uint16) *resolver {
	if ns == 0 {
		ns = DefaultNamespace
	}
	return &resolver{io: io, ns: ns, cache: make(map[string]string)}
}

func (r *resolver) child(ctx context.Context, parent, name string) (string, bool, error) {
	refs, err := r.io.Browse(ctx, parent)
	if err != nil {
		return "", false, err
	}
	for _, ref := range refs {
		if ref.Name == name && ref.Namespace == r.ns {
			return ref.NodeID, true, nil
		}
	}
	return "", false, nil
}

// resolve returns the node id of Objects/<ns>:names[0]/<ns>:names[1]/...
func (r *resolver) resolve(ctx context.Context, names ...string) (string, error) {
	key := strings.Join(names, "/")
	if r.io == nil {
		return "", params.Wrap(params.KindConnection, key, params.ErrNotConnected)
	}
	r.mu.Lock()
	id, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	id = ObjectsFolder
	for _, name := range names {
		next, found, err := r.child(ctx, id, name)
		if err != nil {
			return "", params.Wrap(params.KindConnection, key, err)
		}
		if !found {
			return "", params.Errorf(params.KindMapping, key, "node %d:%s not found", r.ns, name)
		}
		id = next
	}
	r.mu.Lock()
	r.cache[key] = id
	r.mu.Unlock()
	return id, nil
}

// ChannelStore reads and writes the per-Kanal JSON variables. It is a
// params.Source and a params.Sink.
type ChannelStore struct {
	res    *resolver
	logger *zap.Logger
}

func NewChannelStore(io NodeIO, namespace uint16, logger *zap.Logger) *ChannelStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelStore{res: newResolver(io, namespace), logger: logger}
}

// ListChannels returns the Kanal_N objects below Objects, sorted by N.
func (s *ChannelStore) ListChannels(ctx context.Context) ([]string, error) {
	if s.res.io == nil {
		return nil, params.Wrap(params.KindConnection, "Objects", params.ErrNotConnected)
	}
	refs, err := s.res.io.Browse(ctx, ObjectsFolder)
	if err != nil {
		return nil, params.Wrap(params.KindConnection, "Objects", err)
	}
	var out []string
	for _, ref := range refs {
		if ref.Namespace != s.res.ns || ref.Class != ua.NodeClassObject {
			continue
		}
		if !strings.HasPrefix(ref.Name, "Kanal_") {
			continue
		}
		if _, ok := params.NumericSuffix(ref.Name); ok {
			out = append(out, ref.Name)
		}
	}
	params.SortByNumericSuffix(out)
	return out, nil
}

// VariableIDs returns the node ids of both JSON variables of every channel;
// channels missing a variable are logged and skipped.
func (s *ChannelStore) VariableIDs(ctx context.Context, channels []string) ([]string, error) {
	var ids []string
	for _, kanal := range channels {
		for _, v := range []string{TrafoVariable, AxisVariable} {
			id, err := s.res.resolve(ctx, kanal, v)
			if params.KindOf(err) == params.KindConnection {
				return ids, err
			}
			if err != nil {
				s.logger.Warn("variable not found", zap.String("kanal", kanal), zap.String("variable", v), zap.Error(err))
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *ChannelStore) fetch(ctx context.Context, kanal, variable string) (params.ParameterSet, error) {
	id, err := s.res.resolve(ctx, kanal, variable)
	if err != nil {
		return params.ParameterSet{}, err
	}
	raw, err := s.res.io.ReadString(ctx, id)
	if err != nil {
		return params.ParameterSet{}, params.Wrap(params.KindConnection, kanal+"/"+variable, err)
	}
	ps, err := params.ParseParameterSet(raw)
	if err != nil {
		return params.ParameterSet{}, params.Wrap(params.KindTransform, kanal+"/"+variable, err)
	}
	return ps, nil
}

func (s *ChannelStore) store(ctx context.Context, kanal, variable string, ps params.ParameterSet) error {
	if err := ps.Validate(); err != nil {
		return params.Wrap(params.KindTransform, kanal+"/"+variable, err)
	}
	id, err := s.res.resolve(ctx, kanal, variable)
	if err != nil {
		return err
	}
	doc, err := ps.JSON()
	if err != nil {
		return params.Wrap(params.KindTransform, kanal+"/"+variable, err)
	}
	if err := s.res.io.WriteString(ctx, id, doc); err != nil {
		return params.Wrap(params.KindConnection, kanal+"/"+variable, err)
	}
	return nil
}

func (s *ChannelStore) FetchTrafo(ctx context.Context, kanal string) (params.ParameterSet, error) {
	return s.fetch(ctx, kanal, TrafoVariable)
}

func (s *ChannelStore) FetchAxis(ctx context.Context, kanal string) (params.ParameterSet, error) {
	return s.fetch(ctx, kanal, AxisVariable)
}

func (s *ChannelStore) StoreTrafo(ctx context.Context, kanal string, ps params.ParameterSet) error {
	return s.store(ctx, kanal, TrafoVariable, ps)
}

func (s *ChannelStore) StoreAxis(ctx context.Context, kanal string, ps params.ParameterSet) error {
	return s.store(ctx, kanal, AxisVariable, ps)
}

// Structure maps every channel to the axis scopes its axis parameters use,
// e.g. {"Kanal_1": ["Axis_1", "Axis_2"]}.
func (s *ChannelStore) Structure(ctx context.Context, channels []string) (map[string][]string, params.Report) {
	out := make(map[string][]string, len(channels))
	var rep params.Report
	for _, kanal := range channels {
		axis, err := s.FetchAxis(ctx, kanal)
		if err != nil {
			s.logger.Warn("axis structure unavailable", zap.String("kanal", kanal), zap.Error(err))
			rep.Fail(kanal, params.CategoryAxis, err)
			continue
		}
		out[kanal] = AxisScopes(axis)
		rep.Ok(kanal, params.CategoryAxis)
	}
	return out, rep
}

// AxisScopes returns the distinct name prefixes before the first dot, sorted
// by numeric suffix.
func AxisScopes(ps params.ParameterSet) []string {
	seen := make(map[string]bool)
	scopes := []string{}
	for _, name := range ps.Names {
		scope, _, ok := params.SplitAxisParam(name)
		if !ok || scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		scopes = append(scopes, scope)
	}
	params.SortByNumericSuffix(scopes)
	return scopes
}
