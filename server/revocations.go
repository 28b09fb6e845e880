package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/car"
	"github.com/wolfeidau/ucan-ledger/revocation"
	"github.com/wolfeidau/ucan-ledger/telemetry"
)

const (
	notRevokedBody = "No revocation record found"

	// Revocation status can newly appear, so "not revoked" is cached briefly.
	notRevokedCacheControl = "public, max-age=300"
	revokedCacheControl    = "public, max-age=31536000, immutable"
)

// handleRevocation serves a proof archive for a revoked delegation.
func (s *Server) handleRevocation(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "proof")

	delegation, err := revocation.ParseDelegation(r.PathValue("cid"))
	if err != nil {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		http.Error(w, "Invalid CID", http.StatusBadRequest)
		return
	}

	data, root, err := s.services.Proofs.BuildProof(r.Context(), delegation)
	if err != nil {
		if errors.Is(err, revocation.ErrNotRevoked) {
			telemetry.SetResult(r, telemetry.ResultNotFound)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", notRevokedCacheControl)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(notRevokedBody))
			return
		}
		s.logger.Error("building revocation proof", "delegation", delegation, "error", err)
		telemetry.SetResult(r, telemetry.ResultError)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	etag := strconv.Quote(root.String())
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", revokedCacheControl)

	if match := r.Header.Get("If-None-Match"); match != "" && (match == etag || match == "*") {
		telemetry.SetResult(r, telemetry.ResultNotModified)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	telemetry.SetResult(r, telemetry.ResultOK)
	w.Header().Set("Content-Type", car.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

type causeJSON struct {
	Cause map[string]string `json:"cause"`
}

// handleRevocationsCheck returns the revocations recorded for up to
// revocation.MaxBatchKeys delegations.
func (s *Server) handleRevocationsCheck(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "check")

	var req map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON", "Request body must be valid JSON")
		return
	}

	raw, ok := req["cids"]
	if !ok || string(raw) == "null" {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		writeJSONError(w, http.StatusBadRequest, "Missing required field: cids",
			`Please provide delegation CIDs as an array in the "cids" field`)
		return
	}
	var cids []string
	if err := json.Unmarshal(raw, &cids); err != nil {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		writeJSONError(w, http.StatusBadRequest, "Invalid field type: cids",
			`The "cids" field must be an array of strings`)
		return
	}
	if len(cids) == 0 {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		writeJSONError(w, http.StatusBadRequest, "Invalid parameter: cids",
			"At least one delegation CID must be provided")
		return
	}
	if len(cids) > revocation.MaxBatchKeys {
		telemetry.SetResult(r, telemetry.ResultInvalid)
		writeJSONError(w, http.StatusBadRequest, "Too many CIDs",
			fmt.Sprintf("Maximum %d delegation CIDs can be checked in a single request", revocation.MaxBatchKeys))
		return
	}

	delegations := make([]ucanledger.Link, len(cids))
	for i, c := range cids {
		l, err := revocation.ParseDelegation(c)
		if err != nil {
			telemetry.SetResult(r, telemetry.ResultInvalid)
			writeJSONError(w, http.StatusBadRequest, "Invalid CID format",
				fmt.Sprintf("Invalid CID provided: %s. Please ensure all CIDs are valid IPFS CID strings.", c))
			return
		}
		delegations[i] = l
	}

	matches, err := s.services.Revocations.Match(r.Context(), delegations)
	if err != nil {
		s.logger.Error("querying revocations", "count", len(delegations), "error", err)
		telemetry.SetResult(r, telemetry.ResultError)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error", "Failed to query revocations")
		return
	}

	out := make(map[string]map[string]causeJSON, len(matches))
	for delegation, scopes := range matches {
		m := make(map[string]causeJSON, len(scopes))
		for scope, cause := range scopes {
			m[scope] = causeJSON{Cause: map[string]string{"/": cause.String()}}
		}
		out[delegation] = m
	}

	setCORS(w)
	telemetry.SetResult(r, telemetry.ResultOK)
	writeJSON(w, http.StatusOK, map[string]any{"revocations": out})
}

func (s *Server) handleRevocationsPreflight(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "check")
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
