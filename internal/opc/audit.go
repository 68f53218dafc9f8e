package opc

import (
	"context"
	"errors"

	"github.com/SUNQC97/Pipeline-Code/internal/audit"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// Audit trail object names; servers may expose either.
var AuditObjects = []string{"AuditTrail", "ModifierTrail"}

const (
	VarLastModifier     = "LastModifier"
	VarLastModifiedTime = "LastModifiedTime"
	VarLastModifiedNode = "LastModifiedNode"
	VarLastOperation    = "LastOperation"
	VarSessionID        = "SessionID"
)

// AuditStore reads and updates the audit trail variables.
type AuditStore struct {
	res *resolver
}

func NewAuditStore(io NodeIO, namespace uint16) *AuditStore {
	return &AuditStore{res: newResolver(io, namespace)}
}

func (s *AuditStore) variable(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, obj := range AuditObjects {
		id, err := s.res.resolve(ctx, obj, name)
		if err == nil {
			return id, nil
		}
		if params.KindOf(err) == params.KindConnection {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// Read returns the current record. Variables the server lacks stay empty.
func (s *AuditStore) Read(ctx context.Context) (audit.Record, error) {
	var rec audit.Record
	fields := []struct {
		name string
		dst  *string
	}{
		{VarLastModifier, &rec.Modifier},
		{VarLastModifiedNode, &rec.Node},
		{VarLastOperation, &rec.Operation},
		{VarSessionID, &rec.SessionID},
	}
	found := 0
	for _, f := range fields {
		id, err := s.variable(ctx, f.name)
		if err != nil {
			if params.KindOf(err) == params.KindConnection {
				return rec, err
			}
			continue
		}
		v, err := s.res.io.ReadString(ctx, id)
		if err != nil {
			return rec, params.Wrap(params.KindConnection, f.name, err)
		}
		*f.dst = v
		found++
	}
	if id, err := s.variable(ctx, VarLastModifiedTime); err == nil {
		raw, err := s.res.io.ReadString(ctx, id)
		if err != nil {
			return rec, params.Wrap(params.KindConnection, VarLastModifiedTime, err)
		}
		// an unparsable time leaves the record without one
		rec.Time, _ = audit.ParseTime(raw)
		found++
	}
	if found == 0 {
		return rec, params.Errorf(params.KindMapping, "audit trail", "no audit trail object")
	}
	if rec.Modifier == "" {
		rec.Modifier = audit.UnknownModifier
	}
	return rec, nil
}

// Write updates every audit variable the server exposes.
func (s *AuditStore) Write(ctx context.Context, rec audit.Record) error {
	values := []struct{ name, value string }{
		{VarLastModifier, rec.Modifier},
		{VarLastModifiedTime, audit.FormatTime(rec.Time)},
		{VarLastModifiedNode, rec.Node},
		{VarLastOperation, rec.Operation},
		{VarSessionID, rec.SessionID},
	}
	var errs []error
	written := 0
	for _, v := range values {
		id, err := s.variable(ctx, v.name)
		if err != nil {
			if params.KindOf(err) == params.KindConnection {
				return err
			}
			continue
		}
		if err := s.res.io.WriteString(ctx, id, v.value); err != nil {
			errs = append(errs, params.Wrap(params.KindConnection, v.name, err))
			continue
		}
		written++
	}
	if written == 0 && len(errs) == 0 {
		return params.Errorf(params.KindMapping, "audit trail", "no audit trail object")
	}
	return errors.Join(errs...)
}
