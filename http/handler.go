package http

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/routing"
	"go.mongodb.org/mongo-driver/bson"
)

// maxRequestBytes bounds request bodies: one maximum size BSON document
// plus the envelope.
const maxRequestBytes = 16*1024*1024 + 16*1024

// RunRequest is the body of the run routes.
type RunRequest struct {
	DB      string `bson:"db"`
	Command bson.D `bson:"command"`
	// only read by /run
	SessionID string `bson:"lsid,omitempty"`
}

// AdminRequest is the JSON body of the admin routes.
type AdminRequest struct {
	DB    string `json:"db,omitempty"`
	Shard string `json:"shard,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// ErrorDocument renders err the way a mongod reply carries it.
func ErrorDocument(err error) bson.D {
	cmdErr := common.ToCommandError(err)
	doc := bson.D{
		{Key: "ok", Value: 0},
		{Key: "errmsg", Value: cmdErr.Message},
		{Key: "code", Value: int32(cmdErr.Code)},
		{Key: "codeName", Value: cmdErr.Code.String()},
	}
	if len(cmdErr.Labels) > 0 {
		labels := bson.A{}
		for _, l := range cmdErr.Labels {
			labels = append(labels, l)
		}
		doc = append(doc, bson.E{Key: "errorLabels", Value: labels})
	}
	return doc
}

func (s *Service) writeDocument(w http.ResponseWriter, status int, doc bson.D) {
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		s.log.Errorf("unable to encode reply: %s", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// writeError replies 200 with ok: 0 for command failures, like mongod
// does, and uses HTTP statuses only for malformed requests.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusOK
	if common.ToCommandError(err).Code == common.BadValue {
		status = http.StatusBadRequest
	}
	s.writeDocument(w, status, ErrorDocument(err))
}

func (s *Service) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("unable to write reply: %s", err)
	}
}

func txnParams(r *http.Request) (string, int64, error) {
	vars := mux.Vars(r)
	txn, err := strconv.ParseInt(vars["txn"], 10, 64)
	if err != nil {
		return "", 0, common.NewCommandError(common.BadValue, "invalid txnNumber %q", vars["txn"])
	}
	return vars["lsid"], txn, nil
}

// handleRun serves both /run (no transaction) and the per-transaction run
// route.
func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, common.NewCommandError(common.BadValue, "%s", err))
		return
	}
	var req RunRequest
	if err := bson.UnmarshalExtJSON(body, false, &req); err != nil {
		s.writeError(w, common.NewCommandError(common.BadValue, "malformed request: %s", err))
		return
	}

	lsid, txn := req.SessionID, int64(0)
	if _, ok := mux.Vars(r)["txn"]; ok {
		if lsid, txn, err = txnParams(r); err != nil {
			s.writeError(w, err)
			return
		}
	}
	stmt, err := common.NewStatement(lsid, txn, req.DB, req.Command)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.router.Run(r.Context(), stmt)
	if err != nil {
		s.log.Debugf("[session %s] %s failed: %s", lsid, stmt.Command.Name(), err)
		s.writeError(w, err)
		return
	}
	s.writeDocument(w, http.StatusOK, res.Document)
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	lsid, txn, err := txnParams(r)
	if err == nil {
		_, err = s.router.StartTransaction(r.Context(), lsid, txn)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeDocument(w, http.StatusOK, bson.D{{Key: "ok", Value: 1}})
}

func (s *Service) handleCommit(w http.ResponseWriter, r *http.Request) {
	lsid, txn, err := txnParams(r)
	if err == nil {
		err = s.router.CommitTransaction(r.Context(), lsid, txn)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeDocument(w, http.StatusOK, bson.D{{Key: "ok", Value: 1}})
}

func (s *Service) handleAbort(w http.ResponseWriter, r *http.Request) {
	lsid, txn, err := txnParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, err := s.router.AbortTransaction(r.Context(), lsid, txn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeDocument(w, http.StatusOK, bson.D{{Key: "state", Value: state.String()}, {Key: "ok", Value: 1}})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.router.Status(mux.Vars(r)["lsid"])
	if err != nil {
		s.writeDocument(w, http.StatusNotFound, ErrorDocument(err))
		return
	}
	s.writeJSON(w, st)
}

func (s *Service) readAdmin(w http.ResponseWriter, r *http.Request) (AdminRequest, bool) {
	var req AdminRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeError(w, common.NewCommandError(common.BadValue, "malformed request: %s", err))
		return req, false
	}
	return req, true
}

func (s *Service) handleRefreshControl(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readAdmin(w, r)
	if !ok {
		return
	}
	if s.control == nil {
		s.writeError(w, common.NewCommandError(common.CommandNotFound, "refresh control is not enabled"))
		return
	}
	if err := s.control.Configure(req.Shard, routing.Mode(req.Mode)); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Infof("refresh control of %s set to %s", req.Shard, req.Mode)
	s.writeDocument(w, http.StatusOK, bson.D{{Key: "ok", Value: 1}})
}

func entryDocument(e common.DatabaseEntry) bson.D {
	return bson.D{
		{Key: "db", Value: e.Name},
		{Key: "primary", Value: e.Primary},
		{Key: "version", Value: e.Version.String()},
		{Key: "ok", Value: 1},
	}
}

func (s *Service) handleEnableSharding(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readAdmin(w, r)
	if !ok {
		return
	}
	if s.placement == nil {
		s.writeError(w, common.NewCommandError(common.CommandNotFound, "no catalog configured"))
		return
	}
	e, err := s.placement.EnableSharding(r.Context(), req.DB, req.Shard)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeDocument(w, http.StatusOK, entryDocument(e))
}

// handleMovePrimary changes the catalog only. The router keeps its cached
// versions, so shards report stale routing until it refreshes.
func (s *Service) handleMovePrimary(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readAdmin(w, r)
	if !ok {
		return
	}
	if s.placement == nil {
		s.writeError(w, common.NewCommandError(common.CommandNotFound, "no catalog configured"))
		return
	}
	e, err := s.placement.MovePrimary(r.Context(), req.DB, req.Shard)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cache != nil && r.URL.Query().Get("invalidate") == "true" {
		s.cache.Invalidate(req.DB)
	}
	s.log.Infof("moved primary of %s to %s (%s)", e.Name, e.Primary, e.Version)
	s.writeDocument(w, http.StatusOK, entryDocument(e))
}
