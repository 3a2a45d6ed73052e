package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/document"
	"github.com/mattjoyce/docbridge/internal/pipeline"
)

const maxBodyBytes = 64 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	p, d, c := s.reg.counts()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Pipelines:     p,
		Documents:     d,
		Corpora:       c,
	})
}

// handleLoadPipeline handles POST /pipelines.
func (s *Server) handleLoadPipeline(w http.ResponseWriter, r *http.Request) {
	var req LoadPipelineRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.action(r, "load_pipeline", "path", req.Path)
	if strings.TrimSpace(req.Path) == "" {
		s.writeError(w, http.StatusBadRequest, "path is required", "")
		return
	}

	defs, err := pipeline.LoadFile(req.Path)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	built := make([]*pipeline.Pipeline, 0, len(defs))
	for _, def := range defs {
		p, err := pipeline.New(def, s.cfg.Pipeline)
		if err != nil {
			for _, b := range built {
				_ = b.Close()
			}
			s.writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		built = append(built, p)
	}

	names := make([]string, 0, len(built))
	for _, p := range built {
		s.reg.putPipeline(p)
		names = append(names, p.Name())
	}
	respondJSON(w, http.StatusCreated, LoadPipelineResponse{Pipelines: names})
}

// handleCreateDocument handles POST /documents.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.action(r, "create_document", "name", req.Name, "path", req.Path, "text_length", len(req.Text))

	var doc *document.Document
	if req.Path != "" {
		d, err := document.LoadFile(req.Path)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		doc = d
	} else {
		doc = document.New("", req.Text)
	}
	s.storeDocument(w, req.Name, doc)
}

// handleImportDocument handles POST /documents/import.
func (s *Server) handleImportDocument(w http.ResponseWriter, r *http.Request) {
	var req ImportDocumentRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.action(r, "import_document", "name", req.Name)
	if len(req.Document) == 0 {
		s.writeError(w, http.StatusBadRequest, "document is required", "")
		return
	}
	doc, err := document.ParseJSON(req.Document)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), string(bridgeerr.Classify(err)))
		return
	}
	name := req.Name
	if name == "" {
		name = doc.Name()
	}
	s.storeDocument(w, name, doc)
}

func (s *Server) storeDocument(w http.ResponseWriter, name string, doc *document.Document) {
	s.runMu.Lock()
	s.reg.putDocument(name, doc)
	resp := describe(doc)
	s.runMu.Unlock()
	respondJSON(w, http.StatusCreated, resp)
}

// handleExportDocument handles GET /documents/{name}.
func (s *Server) handleExportDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.action(r, "export_document", "name", name)

	doc, err := s.reg.document(name)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.runMu.RLock()
	data, err := doc.MarshalJSON()
	s.runMu.RUnlock()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleDeleteDocument handles DELETE /documents/{name}.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.action(r, "delete_document", "name", name)
	s.runMu.Lock()
	err := s.reg.deleteDocument(name)
	s.runMu.Unlock()
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateCorpus handles POST /corpora.
func (s *Server) handleCreateCorpus(w http.ResponseWriter, r *http.Request) {
	var req CreateCorpusRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	s.action(r, "create_corpus", "name", req.Name)
	name, err := s.reg.createCorpus(req.Name)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, CorpusResponse{Name: name, Documents: []string{}})
}

// handleAddToCorpus handles POST /corpora/{name}/documents.
func (s *Server) handleAddToCorpus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req CorpusDocumentsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.action(r, "add_to_corpus", "corpus", name, "documents", req.Documents)
	docs, err := s.reg.addToCorpus(name, req.Documents)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CorpusResponse{Name: name, Documents: docs})
}

// handleClearCorpus handles DELETE /corpora/{name}/documents.
func (s *Server) handleClearCorpus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.action(r, "clear_corpus", "corpus", name)
	if err := s.reg.clearCorpus(name); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRun handles POST /pipelines/{name}/run.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req RunRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.action(r, "run_pipeline", "pipeline", name, "document", req.Document, "corpus", req.Corpus)

	if (req.Document == "") == (req.Corpus == "") {
		s.writeError(w, http.StatusBadRequest, "exactly one of document and corpus is required", "")
		return
	}
	p, err := s.reg.pipeline(name)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	var docs []*document.Document
	if req.Document != "" {
		d, err := s.reg.document(req.Document)
		if err != nil {
			s.writeRegistryError(w, err)
			return
		}
		docs = []*document.Document{d}
	} else {
		docs, err = s.reg.corpus(req.Corpus)
		if err != nil {
			s.writeRegistryError(w, err)
			return
		}
	}

	s.runMu.Lock()
	rep, err := p.Run(r.Context(), docs)
	s.runMu.Unlock()
	if err != nil {
		code := bridgeerr.Classify(err)
		respondJSON(w, runStatus(code), struct {
			ErrorResponse
			Report *pipeline.Report `json:"report"`
		}{ErrorResponse{Error: err.Error(), Code: string(code)}, rep})
		return
	}
	respondJSON(w, http.StatusOK, RunResponse{Report: rep})
}

// handleResources handles GET /resources?kind=&name=.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	name := r.URL.Query().Get("name")
	s.action(r, "list_resources", "kind", kind, "name", name)

	switch kind {
	case "", KindPipeline, KindDocument, KindCorpus:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown kind "+kind, "")
		return
	}
	res := s.reg.list(kind, name)
	if res == nil {
		res = []Resource{}
	}
	respondJSON(w, http.StatusOK, ResourcesResponse{Resources: res})
}

// handleShutdown handles POST /shutdown. The response goes out before the
// listener stops.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.action(r, "shutdown")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	time.AfterFunc(s.cfg.ShutdownGrace, func() {
		s.stopOnce.Do(func() { close(s.stop) })
	})
}

func describe(d *document.Document) DocumentResponse {
	sets := []string{}
	if _, ok := d.LookupSet(document.DefaultSet); ok {
		sets = append(sets, document.DefaultSet)
	}
	sets = append(sets, d.SetNames()...)
	return DocumentResponse{Name: d.Name(), Length: d.Len(), Sets: sets}
}

func runStatus(code bridgeerr.Code) int {
	switch code {
	case bridgeerr.CodeProcessing, bridgeerr.CodeOffset, bridgeerr.CodeAnnotation:
		return http.StatusUnprocessableEntity
	case bridgeerr.CodeProtocol:
		return http.StatusBadGateway
	case bridgeerr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case bridgeerr.CodeState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return false
	}
	return true
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		s.writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, errConflict):
		s.writeError(w, http.StatusConflict, err.Error(), "")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
