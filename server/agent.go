package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/agentlog"
	"github.com/wolfeidau/ucan-ledger/telemetry"
)

type ingestResponse struct {
	Archive     string   `json:"archive"`
	Invocations []string `json:"invocations"`
	Receipts    []string `json:"receipts"`
}

type receiptResponse struct {
	Receipt string `json:"receipt"`
	Ran     string `json:"ran"`
	Out     any    `json:"out"`
}

// handleIngest logs one agent message archive.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "ingest")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxArchiveSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			telemetry.SetResult(r, telemetry.ResultInvalid)
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Archive too large", err.Error())
			return
		}
		telemetry.SetResult(r, telemetry.ResultError)
		writeJSONError(w, http.StatusBadRequest, "Unreadable body", err.Error())
		return
	}

	res, err := s.services.AgentLog.Ingest(r.Context(), body, r.Header)
	if err != nil {
		var decodeErr *agentlog.DecodeError
		if errors.As(err, &decodeErr) {
			telemetry.SetResult(r, telemetry.ResultInvalid)
			writeJSONError(w, http.StatusBadRequest, "Invalid agent message", decodeErr.Error())
			return
		}
		s.logger.Error("ingesting agent message", "error", err, "size", len(body))
		telemetry.SetResult(r, telemetry.ResultError)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error", "Failed to log agent message")
		return
	}

	resp := ingestResponse{
		Archive:     res.Archive.String(),
		Invocations: make([]string, len(res.Invocations)),
		Receipts:    make([]string, len(res.Receipts)),
	}
	for i, inv := range res.Invocations {
		resp.Invocations[i] = inv.Link.String()
	}
	for i, rcpt := range res.Receipts {
		resp.Receipts[i] = rcpt.Link.String()
	}
	telemetry.SetResult(r, telemetry.ResultOK)
	writeJSON(w, http.StatusOK, resp)
}

// handleReceipt returns the receipt for an invocation.
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "receipt")

	task, err := ucanledger.ParseLink(r.PathValue("cid"))
	if err != nil {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		writeJSONError(w, http.StatusBadRequest, "Invalid CID format", err.Error())
		return
	}

	rcpt, err := s.services.AgentLog.GetReceipt(r.Context(), task)
	if err != nil {
		if errors.Is(err, agentlog.ErrRecordNotFound) {
			telemetry.SetResult(r, telemetry.ResultNotFound)
			writeJSONError(w, http.StatusNotFound, "Receipt not found", "No receipt recorded for "+task.String())
			return
		}
		s.logger.Error("looking up receipt", "task", task, "error", err)
		telemetry.SetResult(r, telemetry.ResultError)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error", "Failed to look up receipt")
		return
	}

	telemetry.SetResult(r, telemetry.ResultOK)
	writeJSON(w, http.StatusOK, receiptResponse{
		Receipt: rcpt.Link.String(),
		Ran:     rcpt.Ran().String(),
		Out:     agentlog.NormalizeResult(rcpt.Outcome.Out),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, errMsg, message string) {
	writeJSON(w, status, map[string]string{"error": errMsg, "message": message})
}
