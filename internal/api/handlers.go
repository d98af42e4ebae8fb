// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"grimm.is/tagacct/internal/errors"
	"grimm.is/tagacct/internal/qtaguid"
)

type callerHandler func(w http.ResponseWriter, r *http.Request, c qtaguid.Caller)

// requireCaller rejects requests whose peer could not be identified.
func (s *Server) requireCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := CallerFromContext(r.Context())
		if err != nil {
			respondWithError(w, http.StatusForbidden, "caller identity unavailable")
			return
		}
		next(w, r, c)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, c qtaguid.Caller) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := qtaguid.WriteStats(w, s.engine.StatRows(c)); err != nil {
		s.logger.Debug("Writing stats failed", "error", err)
	}
}

// statRowJSON is the JSON form of one stats row.
type statRowJSON struct {
	Index      int    `json:"idx"`
	Iface      string `json:"iface"`
	AcctTag    string `json:"acct_tag_hex"`
	UID        uint32 `json:"uid_tag_int"`
	CounterSet int    `json:"cnt_set"`

	RxBytes   uint64 `json:"rx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxPackets uint64 `json:"tx_packets"`

	RxTCPBytes     uint64 `json:"rx_tcp_bytes"`
	RxTCPPackets   uint64 `json:"rx_tcp_packets"`
	RxUDPBytes     uint64 `json:"rx_udp_bytes"`
	RxUDPPackets   uint64 `json:"rx_udp_packets"`
	RxOtherBytes   uint64 `json:"rx_other_bytes"`
	RxOtherPackets uint64 `json:"rx_other_packets"`
	TxTCPBytes     uint64 `json:"tx_tcp_bytes"`
	TxTCPPackets   uint64 `json:"tx_tcp_packets"`
	TxUDPBytes     uint64 `json:"tx_udp_bytes"`
	TxUDPPackets   uint64 `json:"tx_udp_packets"`
	TxOtherBytes   uint64 `json:"tx_other_bytes"`
	TxOtherPackets uint64 `json:"tx_other_packets"`
}

func newStatRowJSON(row qtaguid.StatRow) statRowJSON {
	v := row.Values()
	return statRowJSON{
		Index:      row.Index,
		Iface:      row.Iface,
		AcctTag:    row.Tag.AcctHex(),
		UID:        row.Tag.UID(),
		CounterSet: row.CounterSet,

		RxBytes: v[0], RxPackets: v[1], TxBytes: v[2], TxPackets: v[3],

		RxTCPBytes: v[4], RxTCPPackets: v[5],
		RxUDPBytes: v[6], RxUDPPackets: v[7],
		RxOtherBytes: v[8], RxOtherPackets: v[9],
		TxTCPBytes: v[10], TxTCPPackets: v[11],
		TxUDPBytes: v[12], TxUDPPackets: v[13],
		TxOtherBytes: v[14], TxOtherPackets: v[15],
	}
}

func (s *Server) handleStatsJSON(w http.ResponseWriter, r *http.Request, c qtaguid.Caller) {
	rows := s.engine.StatRows(c)
	out := make([]statRowJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, newStatRowJSON(row))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"rows":  out,
		"count": len(out),
	})
}

func (s *Server) handleCtrl(w http.ResponseWriter, r *http.Request, c qtaguid.Caller) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := qtaguid.WriteSockTags(w, s.engine.SockTagRows(c), s.engine.Events()); err != nil {
		s.logger.Debug("Writing tagged sockets failed", "error", err)
	}
}

func (s *Server) handleCtrlJSON(w http.ResponseWriter, r *http.Request, c qtaguid.Caller) {
	rows := s.engine.SockTagRows(c)
	if rows == nil {
		rows = []qtaguid.SockTag{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"sockets": rows,
		"events":  s.engine.Events(),
	})
}

// commandResult is the reply to a POSTed control command.
type commandResult struct {
	Result int    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// handleCtrlCommand runs one control line outside any session, so tags it
// creates are not torn down when the request ends.
func (s *Server) handleCtrlCommand(w http.ResponseWriter, r *http.Request, c qtaguid.Caller) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "command too long")
		return
	}
	c.Session = 0
	line := strings.TrimRight(string(body), "\r\n")

	res, err := s.engine.Execute(c, line)
	if err != nil {
		respondWithJSON(w, statusForError(err), commandResult{Result: res, Error: err.Error()})
		return
	}
	respondWithJSON(w, http.StatusOK, commandResult{Result: res})
}

func statusForError(err error) int {
	switch errors.GetKind(err) {
	case errors.KindPermission:
		return http.StatusForbidden
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindQuota:
		return http.StatusTooManyRequests
	case errors.KindResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleIfaceStat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := qtaguid.WriteInterfaceTotals(w, s.engine.InterfaceTotals()); err != nil {
		s.logger.Debug("Writing interface totals failed", "error", err)
	}
}

func (s *Server) handleIfaceStatJSON(w http.ResponseWriter, r *http.Request) {
	totals := s.engine.InterfaceTotals()
	if totals == nil {
		totals = []qtaguid.InterfaceTotals{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"interfaces": totals,
		"count":      len(totals),
	})
}

func (s *Server) handleIfaceStatOne(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["iface"]
	for _, t := range s.engine.InterfaceTotals() {
		if t.Name == name {
			respondWithJSON(w, http.StatusOK, t)
			return
		}
	}
	respondWithError(w, http.StatusNotFound, "interface not tracked")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.engine.Events())
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
