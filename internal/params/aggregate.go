package params

import (
	"context"

	"go.uber.org/zap"
)

// Source fetches per-channel parameter sets from one of the connected systems.
type Source interface {
	FetchTrafo(ctx context.Context, kanal string) (ParameterSet, error)
	FetchAxis(ctx context.Context, kanal string) (ParameterSet, error)
}

// Sink stores per-channel parameter sets into one of the connected systems.
type Sink interface {
	StoreTrafo(ctx context.Context, kanal string, ps ParameterSet) error
	StoreAxis(ctx context.Context, kanal string, ps ParameterSet) error
}

// ReadAll fetches trafo and axis sets for every channel. A failing channel or
// category is logged and reported; the remaining ones are still fetched.
func ReadAll(ctx context.Context, src Source, channels []string, logger *zap.Logger) (Aggregate, Report) {
	if logger == nil {
		logger = zap.NewNop()
	}
	agg := make(Aggregate, len(channels))
	var rep Report
	for _, kanal := range channels {
		if err := ctx.Err(); err != nil {
			rep.Fail(kanal, "", err)
			continue
		}
		trafo, err := src.FetchTrafo(ctx, kanal)
		if err != nil {
			logger.Warn("fetch trafo failed", zap.String("kanal", kanal), zap.Error(err))
			rep.Fail(kanal, CategoryTrafo, err)
		} else {
			agg.Channel(kanal).Trafo = trafo
			rep.Ok(kanal, CategoryTrafo)
		}

		axis, err := src.FetchAxis(ctx, kanal)
		if err != nil {
			logger.Warn("fetch axis failed", zap.String("kanal", kanal), zap.Error(err))
			rep.Fail(kanal, CategoryAxis, err)
		} else {
			agg.Channel(kanal).Axis = axis
			rep.Ok(kanal, CategoryAxis)
		}
	}
	return agg, rep
}

// WriteAll stores every channel of agg into sink with the same per-channel,
// per-category isolation as ReadAll. Empty sets are skipped.
func WriteAll(ctx context.Context, sink Sink, agg Aggregate, logger *zap.Logger) Report {
	if logger == nil {
		logger = zap.NewNop()
	}
	var rep Report
	for _, kanal := range agg.Names() {
		cc := agg[kanal]
		if cc == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			rep.Fail(kanal, "", err)
			continue
		}
		if !cc.Trafo.IsEmpty() {
			err := sink.StoreTrafo(ctx, kanal, cc.Trafo)
			if err != nil {
				logger.Warn("store trafo failed", zap.String("kanal", kanal), zap.Error(err))
			}
			rep.Add(kanal, CategoryTrafo, err)
		}
		if !cc.Axis.IsEmpty() {
			err := sink.StoreAxis(ctx, kanal, cc.Axis)
			if err != nil {
				logger.Warn("store axis failed", zap.String("kanal", kanal), zap.Error(err))
			}
			rep.Add(kanal, CategoryAxis, err)
		}
	}
	return rep
}
