package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chunkwise/chunkwise/codec"
	"github.com/chunkwise/chunkwise/session"
)

// Server serves the transfer protocol over a session registry, receiver,
// and assembler triad.
type Server struct {
	registry  *session.Registry
	receiver  *session.Receiver
	assembler *session.Assembler
	logger    log.Logger
}

// NewServer wires the handlers to the given server-side components.
func NewServer(registry *session.Registry, receiver *session.Receiver, assembler *session.Assembler, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Server{
		registry:  registry,
		receiver:  receiver,
		assembler: assembler,
		logger:    logger,
	}
}

// Router returns the HTTP routes for the three boundary operations.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1/uploads", func(r chi.Router) {
		r.Post("/", s.handleInit)
		r.Put("/{sessionID}/chunks/{index}", s.handlePutChunk)
		r.Post("/{sessionID}/finalize", s.handleFinalize)
	})
	return r
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if req.ObjectName == "" {
		s.writeError(w, http.StatusBadRequest, "object_name is required", nil)
		return
	}
	if req.DeclaredSize < 0 {
		s.writeError(w, http.StatusBadRequest, "declared_size must not be negative", nil)
		return
	}

	result, err := s.registry.Init(req.ObjectName, req.DeclaredSize, req.MimeType)
	if err != nil {
		s.logger.Errorf("Init failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "could not create session", nil)
		return
	}

	s.writeJSON(w, http.StatusCreated, initResponse{
		SessionID:            result.SessionID,
		RecommendedChunkSize: result.RecommendedChunkSize,
		AlreadyReceived:      result.AlreadyReceived,
	})
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid chunk index", nil)
		return
	}

	c, err := codec.ForName(r.Header.Get("Content-Encoding"))
	if err != nil {
		s.writeError(w, http.StatusUnsupportedMediaType, err.Error(), nil)
		return
	}
	body, err := c.Decompress(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "could not decode chunk body", nil)
		return
	}
	defer body.Close()

	result, err := s.receiver.Put(sessionID, uint32(index), body)
	if err != nil {
		var lengthErr *session.ChunkLengthError
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			s.writeError(w, http.StatusNotFound, err.Error(), nil)
		case errors.As(err, &lengthErr):
			s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		default:
			s.logger.Errorf("Put chunk %d failed: %v", index, err)
			s.writeError(w, http.StatusInternalServerError, "could not store chunk", nil)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, putChunkResponse{
		OK:             true,
		StoredLocation: result.StoredLocation,
		ByteLength:     result.ByteLength,
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	result, err := s.assembler.Finalize(r.Context(), sessionID, req.TotalChunks, req.ObjectName)
	if err != nil {
		var missing *session.MissingChunkError
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			s.writeError(w, http.StatusNotFound, err.Error(), nil)
		case errors.As(err, &missing):
			s.writeError(w, http.StatusConflict, err.Error(), &missing.Index)
		default:
			s.logger.Errorf("Finalize of session %s failed: %v", sessionID, err)
			s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, finalizeResponse{
		OK:            true,
		FinalPath:     result.FinalPath,
		OriginalName:  result.OriginalName,
		SanitizedName: result.SanitizedName,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warnf("Could not write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, missingIndex *uint32) {
	s.writeJSON(w, status, errorResponse{Error: message, MissingIndex: missingIndex})
}
