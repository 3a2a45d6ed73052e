package gateway

import (
	"encoding/json"

	"github.com/mattjoyce/docbridge/internal/pipeline"
)

// Resource kinds reported by GET /resources.
const (
	KindPipeline = "pipeline"
	KindDocument = "document"
	KindCorpus   = "corpus"
)

// LoadPipelineRequest is the body of POST /pipelines.
type LoadPipelineRequest struct {
	Path string `json:"path"`
}

// LoadPipelineResponse lists the pipelines a file defined.
type LoadPipelineResponse struct {
	Pipelines []string `json:"pipelines"`
}

// CreateDocumentRequest is the body of POST /documents. Exactly one of Text
// and Path is used; Path wins when both are set.
type CreateDocumentRequest struct {
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// ImportDocumentRequest is the body of POST /documents/import.
type ImportDocumentRequest struct {
	Name     string          `json:"name,omitempty"`
	Document json.RawMessage `json:"document"`
}

// DocumentResponse describes a stored document.
type DocumentResponse struct {
	Name   string   `json:"name"`
	Length int      `json:"length"`
	Sets   []string `json:"sets"`
}

// CreateCorpusRequest is the body of POST /corpora.
type CreateCorpusRequest struct {
	Name string `json:"name,omitempty"`
}

// CorpusDocumentsRequest is the body of POST /corpora/{name}/documents.
type CorpusDocumentsRequest struct {
	Documents []string `json:"documents"`
}

// CorpusResponse describes a corpus.
type CorpusResponse struct {
	Name      string   `json:"name"`
	Documents []string `json:"documents"`
}

// RunRequest is the body of POST /pipelines/{name}/run. Exactly one of
// Document and Corpus must be set.
type RunRequest struct {
	Document string `json:"document,omitempty"`
	Corpus   string `json:"corpus,omitempty"`
}

// RunResponse wraps a pipeline report.
type RunResponse struct {
	Report *pipeline.Report `json:"report"`
}

// Resource is one entry of GET /resources.
type Resource struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// ResourcesResponse is returned by GET /resources.
type ResourcesResponse struct {
	Resources []Resource `json:"resources"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Pipelines     int    `json:"pipelines"`
	Documents     int    `json:"documents"`
	Corpora       int    `json:"corpora"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
