package server

import (
	"net/http"
	"strconv"

	"github.com/hubenschmidt/go-vectordata/service"
)

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	recreate := false
	if v := r.URL.Query().Get("recreate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeInvalid(w, map[string]string{"recreate": "must be true or false"})
			return
		}
		recreate = b
	}
	if err := s.svc.Initialize(r.Context(), recreate); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, s.svc.Status())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, created)
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []service.CreateRequest
	if !decodeJSON(w, r, &reqs) {
		return
	}
	created, err := s.svc.CreateBatch(r.Context(), reqs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.svc.Update(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), r.PathValue("ids")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, rec)
}

func (s *Server) handleBySegment(w http.ResponseWriter, r *http.Request) {
	segment, err := strconv.ParseInt(r.PathValue("segment"), 10, 64)
	if err != nil {
		writeInvalid(w, map[string]string{"segment": "must be an integer"})
		return
	}
	recs, err := s.svc.BySegment(r.Context(), segment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, recs)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	errs := make(map[string]string)
	page := queryInt(r, "page", 1, errs)
	size := queryInt(r, "size", 10, errs)
	if len(errs) > 0 {
		writeInvalid(w, errs)
		return
	}
	res, err := s.svc.Page(r.Context(), page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	writeOK(w, CountResponse{Count: s.svc.Count(r.Context())})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req service.SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	hits, err := s.svc.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, hits)
}

func queryInt(r *http.Request, name string, def int, errs map[string]string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs[name] = "must be an integer"
		return def
	}
	return n
}
