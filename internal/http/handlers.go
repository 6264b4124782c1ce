package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/rag"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Port    int    `json:"port"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.config.Service,
		Port:    s.config.Port,
	})
}

func (s *Server) handleIngest(c echo.Context) error {
	var req rag.IngestRequest
	if err := decodeStrict(c, &req); err != nil {
		return failure(c, err)
	}
	resp, err := s.pipeline.Ingest(c.Request().Context(), req)
	if err != nil {
		return failure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAnswer(c echo.Context) error {
	var req rag.AnswerRequest
	if err := decodeStrict(c, &req); err != nil {
		return failure(c, err)
	}
	resp, err := s.pipeline.Answer(c.Request().Context(), req)
	if err != nil {
		return failure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEvaluate(c echo.Context) error {
	var req rag.EvaluateRequest
	if err := decodeStrict(c, &req); err != nil {
		return failure(c, err)
	}
	resp, err := s.pipeline.Evaluate(c.Request().Context(), req)
	if err != nil {
		return failure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pipeline.Diagnostics(c.Request().Context()))
}

// decodeStrict decodes exactly one JSON object and rejects unknown fields.
func decodeStrict(c echo.Context, dst any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			return he
		case errors.Is(err, io.EOF):
			return rag.Validationf("request body is empty")
		default:
			return rag.Validationf("invalid request body: %v", err)
		}
	}
	if dec.More() {
		return rag.Validationf("request body must hold a single JSON object")
	}
	return nil
}

// failure writes err as an ErrorResponse. Pipeline errors are logged by the
// service; echo errors go through the server's error handler.
func failure(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	f := rag.Describe(err)
	return c.JSON(f.Status, rag.ErrorResponse{Error: f})
}
