package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"sigmadex/search"

	"github.com/go-playground/validator/v10"
)

// termQuery holds the /search query string.
type termQuery struct {
	Source   string `validate:"required,max=64"`
	Column   string `validate:"required,max=64"`
	Question string `validate:"max=1024"`
}

// documentsQuery holds the /documents query string.
type documentsQuery struct {
	Source         string `validate:"required,max=64"`
	Column         string `validate:"required,max=64"`
	Question       string `validate:"max=1024"`
	Within         string `validate:"omitempty,max=64"`
	WithinColumn   string `validate:"required_with=Within,max=64"`
	WithinQuestion string `validate:"max=1024"`
}

// docQuery holds the /getDoc query string.
type docQuery struct {
	Doc string `validate:"required,max=4096"`
}

// healthResponse is the /health body.
type healthResponse struct {
	Status  string     `json:"status"`
	BuildID string     `json:"build_id,omitempty"`
	BuiltAt *time.Time `json:"built_at,omitempty"`
	Error   string     `json:"error,omitempty"`
	Time    time.Time  `json:"time"`
}

// validateQuery runs struct validation and reports the first failing parameter.
func (a *API) validateQuery(q interface{}) error {
	if err := a.validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: parameter %s failed %q check", search.ErrInvalidQuery, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", search.ErrInvalidQuery, err)
	}
	return nil
}

// requireParam errors unless name is present in the query string. An empty value is allowed.
func requireParam(values url.Values, name string) error {
	if _, ok := values[name]; !ok {
		return fmt.Errorf("%w: missing parameter %s", search.ErrInvalidQuery, name)
	}
	return nil
}

// searchByTerm godoc
// GET /search?source=<table>&column=<column|*>&question=<term>
func (a *API) searchByTerm(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if err := requireParam(values, "question"); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	q := termQuery{
		Source:   values.Get("source"),
		Column:   values.Get("column"),
		Question: values.Get("question"),
	}
	if err := a.validateQuery(&q); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	rows, err := a.searcher.SearchByTerm(r.Context(), q.Source, q.Column, q.Question)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []search.Row{}
	}
	a.respondJSON(w, rows, http.StatusOK)
}

// searchDocuments godoc
// GET /documents?source=&column=&question=[&within=&withinColumn=&withinQuestion=]
func (a *API) searchDocuments(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if err := requireParam(values, "question"); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	q := documentsQuery{
		Source:         values.Get("source"),
		Column:         values.Get("column"),
		Question:       values.Get("question"),
		Within:         values.Get("within"),
		WithinColumn:   values.Get("withinColumn"),
		WithinQuestion: values.Get("withinQuestion"),
	}
	if err := a.validateQuery(&q); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	docs, err := a.searcher.SearchDocuments(r.Context(), search.DocumentQuery{
		Source:       q.Source,
		Column:       q.Column,
		Term:         q.Question,
		Within:       q.Within,
		WithinColumn: q.WithinColumn,
		WithinTerm:   q.WithinQuestion,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if docs == nil {
		docs = []string{}
	}
	a.respondJSON(w, docs, http.StatusOK)
}

// getDocument godoc
// GET /getDoc?doc=<path> returns the document text as a JSON string.
func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	q := docQuery{Doc: r.URL.Query().Get("doc")}
	if err := a.validateQuery(&q); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	content, err := a.searcher.FetchDocument(r.Context(), q.Doc)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, content, http.StatusOK)
}

// getStats godoc
// GET /stats
func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.searcher.Stats(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, stats, http.StatusOK)
}

// healthCheck godoc
// GET /health
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if err := a.searcher.Ready(r.Context()); err != nil {
		a.logger.Warnw("Health check failed", "error", err)
		a.respondJSON(w, healthResponse{
			Status: "unavailable",
			Error:  search.ErrNotReady.Error(),
			Time:   now,
		}, http.StatusServiceUnavailable)
		return
	}

	info := a.searcher.Info()
	a.respondJSON(w, healthResponse{
		Status:  "ready",
		BuildID: info.BuildID,
		BuiltAt: &info.BuiltAt,
		Time:    now,
	}, http.StatusOK)
}
