package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/utils"
)

const ContentType = "application/x-toytlv"

// Doc is the server-side face of one document: the authoritative
// sequencer the HTTP handlers expose.
type Doc interface {
	Construction() delta.Change
	DeltaAfter(ctx context.Context, rev int64) (delta.Change, error)
	ApplyDelta(rev int64, d *delta.Delta) (int64, *delta.Delta, error)
}

// DocResolver finds (or creates) a document by name.
type DocResolver interface {
	Doc(name string) (Doc, error)
}

type ServerConfig struct {
	// PollTimeout caps one long-poll round; on expiry the server answers
	// 204 and the client re-polls. Advisory pacing, not a deadline.
	PollTimeout  time.Duration
	MaxBodyBytes int64
}

func (c *ServerConfig) SetDefaults() {
	if c.PollTimeout == 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 22
	}
}

type Server struct {
	docs DocResolver
	cfg  ServerConfig
	log  utils.Logger
}

func NewServer(docs DocResolver, log utils.Logger) *Server {
	return NewServerWithConfig(docs, ServerConfig{}, log)
}

func NewServerWithConfig(docs DocResolver, cfg ServerConfig, log utils.Logger) *Server {
	cfg.SetDefaults()
	return &Server{docs: docs, cfg: cfg, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/docs/{doc}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/docs/{doc}/changes", s.handleChanges)
	mux.HandleFunc("POST /v1/docs/{doc}/apply", s.handleApply)
	return mux
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (Doc, bool) {
	doc, err := s.docs.Doc(r.PathValue("doc"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return doc, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownDoc):
		status = http.StatusNotFound
	case errors.Is(err, ErrRevisionSkew):
		status = http.StatusConflict
	case errors.Is(err, ErrBadDRecord), errors.Is(err, ErrBadORecord),
		errors.Is(err, ErrBadValue), errors.Is(err, delta.ErrUnknownOp),
		errors.Is(err, delta.ErrBadOpShape):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error("http: request failed", "path", r.URL.Path, "err", err)
	} else {
		s.log.Debug("http: request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) reply(w http.ResponseWriter, rec []byte) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("ETag", fmt.Sprintf("%q", strconv.FormatUint(xxhash.Sum64(rec), 16)))
	_, _ = w.Write(rec)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.resolve(w, r)
	if !ok {
		return
	}
	c := doc.Construction()
	rec, err := encodeTagged('P', c.Rev, c.Delta)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, rec)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.resolve(w, r)
	if !ok {
		return
	}
	after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	if err != nil || after < 0 {
		http.Error(w, "bad after revision", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PollTimeout)
	defer cancel()
	c, err := doc.DeltaAfter(ctx, after)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.fail(w, r, err)
		return
	}
	rec, err := EncodeChange(c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, rec)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.resolve(w, r)
	if !ok {
		return
	}
	base, err := strconv.ParseInt(r.URL.Query().Get("base"), 10, 64)
	if err != nil || base < 0 {
		http.Error(w, "bad base revision", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := DecodeDelta(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rev, correction, err := doc.ApplyDelta(base, d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := EncodeChange(delta.Change{Rev: rev, Delta: correction})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, rec)
}
