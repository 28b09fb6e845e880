package agentlog

import (
	"github.com/wolfeidau/ucan-ledger/codec"
	"github.com/wolfeidau/ucan-ledger/ucan"
)

// Record kinds.
const (
	KindRequest = "request"
	KindResult  = "result"
)

// Record is the normalized fan-out record written to the stream for each
// invocation (kind request) and each receipt (kind result).
type Record struct {
	CarCID string      `json:"carCid"`
	Task   string      `json:"task"`
	Kind   string      `json:"kind"`
	Value  RecordValue `json:"value"`
	Out    any         `json:"out,omitempty"`
	TS     int64       `json:"ts"`
}

// RecordValue is the normalized invocation carried by a record.
type RecordValue struct {
	Att []map[string]any `json:"att"`
	Aud string           `json:"aud"`
	Iss string           `json:"iss"`
	CID string           `json:"cid"`
}

func invocationValue(inv *ucan.Invocation) RecordValue {
	att := make([]map[string]any, len(inv.Capabilities))
	for i, c := range inv.Capabilities {
		m := map[string]any{"with": c.With, "can": c.Can}
		if c.Nb != nil {
			m["nb"] = codec.Normalize(c.Nb)
		}
		att[i] = m
	}
	return RecordValue{
		Att: att,
		Aud: inv.Audience,
		Iss: inv.Issuer,
		CID: inv.Link.String(),
	}
}

// NormalizeResult returns the JSON form of a receipt outcome:
// {"ok": ...} or {"error": ...}.
func NormalizeResult(r ucan.Result) any {
	if r.IsError() {
		return map[string]any{"error": codec.Normalize(r.Error)}
	}
	return map[string]any{"ok": codec.Normalize(r.Ok)}
}
