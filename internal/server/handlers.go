package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KaramelBytes/edaloom/internal/analysis"
	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/normalize"
	"github.com/KaramelBytes/edaloom/internal/pipeline"
	"github.com/KaramelBytes/edaloom/internal/session"
)

// createSession accepts a multipart upload in the "file" field, summarizes
// it and stores both the file and the summary.
func (s *Server) createSession(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		RespondWithError(c, http.StatusBadRequest, ErrorCodeValidation, "multipart field \"file\" is required", gin.H{"reason": err.Error()})
		return
	}
	name := filepath.Base(fh.Filename)
	if limit := s.opt.Load.MaxBytes; limit > 0 && fh.Size > limit {
		respondErr(c, fmt.Errorf("%s is %d bytes (limit %d): %w", name, fh.Size, limit, dataset.ErrTooLarge))
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondErr(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()
	var r io.Reader = f
	if limit := s.opt.Load.MaxBytes; limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		respondErr(c, fmt.Errorf("read upload: %w", err))
		return
	}

	t, err := dataset.LoadReader(name, bytes.NewReader(data), s.opt.Load)
	if err != nil {
		if errors.Is(err, dataset.ErrTooLarge) || errors.Is(err, dataset.ErrUnsupportedFormat) {
			respondErr(c, err)
			return
		}
		RespondWithError(c, http.StatusUnprocessableEntity, ErrorCodeValidation, "could not read dataset", gin.H{"reason": err.Error()})
		return
	}
	report := analysis.Summarize(t, s.opt.Summary)
	reportJSON, err := report.JSON()
	if err != nil {
		respondErr(c, err)
		return
	}

	sess, err := s.store.Create(name, data)
	if err != nil {
		respondErr(c, err)
		return
	}
	sess, err = s.store.Update(sess.ID, func(x *session.Session) error {
		x.Report = reportJSON
		x.ReportText = report.Markdown()
		return nil
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	s.log.Info("session created",
		zap.String("session", sess.ID),
		zap.String("file", name),
		zap.Int("rows", t.NumRows()),
		zap.Int("columns", t.NumCols()))
	RespondWithSuccess(c, http.StatusCreated, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	RespondWithSuccess(c, http.StatusOK, gin.H{"sessions": s.store.List()})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.store.Get(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	RespondWithSuccess(c, http.StatusOK, sess)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.store.Delete(c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	RespondWithSuccess(c, http.StatusNoContent, nil)
}

// stepFunc runs one pipeline step against a session snapshot and returns
// the change to apply to the stored session.
type stepFunc func(ctx context.Context, sess *session.Session) (func(*session.Session), error)

func (s *Server) step(name pipeline.Step, fn stepFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		sess, err := s.store.Get(id)
		if err != nil {
			respondErr(c, err)
			return
		}
		apply, err := fn(c.Request.Context(), sess)
		if err != nil {
			var pre *prerequisiteError
			if !errors.As(err, &pre) {
				if _, uerr := s.store.Update(id, func(x *session.Session) error {
					x.SetStepError(string(name), err)
					return nil
				}); uerr != nil {
					s.log.Warn("record step error", zap.String("session", id), zap.Error(uerr))
				}
			}
			respondErr(c, err)
			return
		}
		updated, err := s.store.Update(id, func(x *session.Session) error {
			x.SetStepError(string(name), nil)
			apply(x)
			return nil
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		RespondWithSuccess(c, http.StatusOK, updated)
	}
}

func requires(step pipeline.Step, prev pipeline.Step, ok bool) error {
	if ok {
		return nil
	}
	return &prerequisiteError{step: string(step), requires: string(prev)}
}

func (s *Server) structureStep(ctx context.Context, sess *session.Session) (func(*session.Session), error) {
	res, ok, err := s.pipe.AnalyzeStructure(ctx, pipeline.Text(sess.ReportText))
	if err != nil {
		return nil, err
	}
	return func(x *session.Session) {
		x.Structure, x.StructureOK = res, ok
		if !ok {
			x.SetStepError(string(pipeline.StepStructure), pipeline.ErrProtocol)
		}
	}, nil
}

func (s *Server) planStep(ctx context.Context, sess *session.Session) (func(*session.Session), error) {
	if err := requires(pipeline.StepPlan, pipeline.StepStructure, sess.StructureOK); err != nil {
		return nil, err
	}
	plan, ok, err := s.pipe.PlanMetrics(ctx, sess.Structure)
	if err != nil {
		return nil, err
	}
	return func(x *session.Session) {
		x.Plan, x.PlanOK = plan, ok
		if !ok {
			x.SetStepError(string(pipeline.StepPlan), pipeline.ErrProtocol)
		}
	}, nil
}

func (s *Server) metricsCodeStep(ctx context.Context, sess *session.Session) (func(*session.Session), error) {
	if err := requires(pipeline.StepMetricsCode, pipeline.StepPlan, sess.PlanOK); err != nil {
		return nil, err
	}
	code, err := s.pipe.GenerateMetricsCode(ctx, sess.Plan, pipeline.Text(sess.ReportText))
	if err != nil {
		return nil, err
	}
	return func(x *session.Session) { x.MetricsCode = code }, nil
}

func (s *Server) metricsStep(_ context.Context, sess *session.Session) (func(*session.Session), error) {
	if err := requires(pipeline.StepMetrics, pipeline.StepPlan, sess.PlanOK); err != nil {
		return nil, err
	}
	t, err := dataset.Load(sess.DatasetPath, s.opt.Load)
	if err != nil {
		return nil, fmt.Errorf("reload dataset: %w", err)
	}
	_, raw, err := s.pipe.ComputeMetrics(t, sess.Plan)
	if err != nil {
		return nil, err
	}
	return func(x *session.Session) { x.Metrics = raw }, nil
}

func (s *Server) analysisStep(ctx context.Context, sess *session.Session) (func(*session.Session), error) {
	if err := requires(pipeline.StepAnalysis, pipeline.StepMetrics, len(sess.Metrics) > 0); err != nil {
		return nil, err
	}
	text, err := s.pipe.Narrate(ctx, sess.Metrics)
	if err != nil {
		return nil, err
	}
	return func(x *session.Session) { x.Analysis = text }, nil
}

func (s *Server) reportStep(ctx context.Context, sess *session.Session) (func(*session.Session), error) {
	if err := requires(pipeline.StepReport, pipeline.StepAnalysis, sess.Analysis != ""); err != nil {
		return nil, err
	}
	text, err := s.pipe.FinalReport(ctx, sess.Analysis)
	if err != nil {
		return nil, err
	}
	return func(x *session.Session) { x.FinalReport = text }, nil
}

func (s *Server) visualizationStep(ctx context.Context, sess *session.Session) (func(*session.Session), error) {
	if err := requires(pipeline.StepVisualization, pipeline.StepMetrics, len(sess.Metrics) > 0); err != nil {
		return nil, err
	}
	code, err := s.pipe.GenerateVisualizationCode(ctx, sess.Metrics, sess.Structure)
	if err != nil {
		return nil, err
	}
	return func(x *session.Session) { x.VisualizationCode = code }, nil
}

// parseStructure parses raw LLM text from the request body. A reply without
// the columns block yields {} with ParsedHeader set to false.
func (s *Server) parseStructure(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		RespondWithError(c, http.StatusBadRequest, ErrorCodeValidation, "could not read body", gin.H{"reason": err.Error()})
		return
	}
	res, ok := s.parser.ParseStructure(string(body))
	if !ok {
		c.Header(ParsedHeader, "false")
		RespondWithSuccess(c, http.StatusOK, gin.H{})
		return
	}
	c.Header(ParsedHeader, "true")
	RespondWithSuccess(c, http.StatusOK, res)
}

func (s *Server) parseMetricsPlan(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		RespondWithError(c, http.StatusBadRequest, ErrorCodeValidation, "could not read body", gin.H{"reason": err.Error()})
		return
	}
	plan, ok := s.parser.ParseMetricsPlan(string(body))
	c.Header(ParsedHeader, fmt.Sprint(ok))
	RespondWithSuccess(c, http.StatusOK, plan)
}

// normalizeBody echoes an arbitrary JSON document in canonical form. Numbers
// are decoded exactly, so integers beyond 2^53 survive.
func (s *Server) normalizeBody(c *gin.Context) {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		RespondWithError(c, http.StatusBadRequest, ErrorCodeInvalidJSON, "request body is not valid JSON", gin.H{"reason": err.Error()})
		return
	}
	out, err := normalize.Marshal(v)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}
