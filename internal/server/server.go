// Package server exposes the read-side HTTP API over a workspace database:
// run status, iteration history, sub-job detail, the event log, and a cancel
// endpoint. Workflow execution itself stays in the CLI process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhubonan/phonoflow/internal/checkpoint"
	"github.com/zhubonan/phonoflow/internal/controller"
	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/repo"
)

// RunCanceller cancels a run between iterations.
type RunCanceller interface {
	Cancel(ctx context.Context, runID, reason string) (domain.Run, error)
}

// Config for the HTTP API handler.
type Config struct {
	Repo      repo.Repo
	Canceller RunCanceller
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Phonoflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg)
	registerIterations(group, cfg)
	registerEvents(group, cfg)
	registerDocs(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = codeFor(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
}

func codeFor(status int) string {
	if c, ok := statusCodes[status]; ok {
		return c
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, controller.ErrRunNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, controller.ErrBatchInFlight):
		return newAPIError(http.StatusConflict, "batch_in_flight", err.Error(), nil)
	case errors.Is(err, checkpoint.ErrLeaseHeld):
		return newAPIError(http.StatusConflict, "lease_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}


func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := cfg.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-model",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/model",
		Summary:     "Latest force-constant model",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body ModelResponse `json:"body"`
	}, error) {
		if _, err := cfg.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		m, err := cfg.Repo.LatestModel(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ModelResponse `json:"body"`
		}{Body: modelResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Cancel run",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RunID string           `path:"run_id"`
		Body  CancelRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		run, err := cfg.Canceller.Cancel(ctx, input.RunID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerIterations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-iterations",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/iterations",
		Summary:     "List iterations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []IterationResponse `json:"body"`
	}, error) {
		if _, err := cfg.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Repo.ListIterations(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []IterationResponse `json:"body"`
		}{Body: mapIterations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-iteration",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/iterations/{index}",
		Summary:     "Iteration detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Index int    `path:"index"`
	}) (*struct {
		Body IterationDetailResponse `json:"body"`
	}, error) {
		it, err := cfg.Repo.GetIteration(ctx, input.RunID, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		samples, err := cfg.Repo.ListSamples(ctx, input.RunID, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		labels := make(map[int]string, len(samples))
		for _, s := range samples {
			labels[s.Index] = s.Label
		}
		handles, err := cfg.Repo.ListSubJobs(ctx, input.RunID, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		detail := IterationDetailResponse{
			Iteration: iterationResponse(it),
			SubJobs:   make([]SubJobResponse, 0, len(handles)),
		}
		for _, h := range handles {
			detail.SubJobs = append(detail.SubJobs, subJobResponse(h, labels[h.SampleIndex]))
		}
		if m, merr := cfg.Repo.GetModel(ctx, input.RunID, input.Index); merr == nil {
			mr := modelResponse(m)
			detail.Model = &mr
		} else if !errors.Is(merr, repo.ErrNotFound) {
			return nil, handleError(merr)
		}
		return &struct {
			Body IterationDetailResponse `json:"body"`
		}{Body: detail}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "Run event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := cfg.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		items, err := cfg.Repo.ListEvents(ctx, input.RunID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Phonoflow API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: %q, dom_id: '#ui'});</script>
</body>
</html>`

// registerDocs serves Swagger UI at /docs and the generated OpenAPI document
// under the API base path. The document is marshalled once, on first request.
func registerDocs(r chi.Router, api huma.API, basePath string) {
	specPath := path.Join(basePath, "openapi.json")
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, docsPage, specPath)
	})
	var once sync.Once
	var spec []byte
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() { spec, _ = json.Marshal(api.OpenAPI()) })
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
