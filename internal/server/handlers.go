package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tehqua/medscreening/internal/session"
	"github.com/tehqua/medscreening/internal/workflow"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loginRequest struct {
	PatientID string `json:"patient_id"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := workflow.ValidatePatientID(req.PatientID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patient identifier")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.PatientID)
	if err != nil {
		s.log.Error("session create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}

	token, expires, err := s.tokens.Issue(req.PatientID, sess.ID)
	if err != nil {
		s.log.Error("token issue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		SessionID: sess.ID,
		ExpiresAt: expires,
	})
}

// handleLogout ends the session behind the presented token. The token
// itself stays valid until expiry; the session lookup is what gates turns.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	if err := s.sessions.Invalidate(r.Context(), claims.SessionID); err != nil {
		s.log.Error("session invalidate failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not end session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.runTurn(w, r, req.Text, "", "")
}

// mediaRule bundles the validation rules for one attachment kind:
// extension allowlist, size cap, and sniffed content-type check.
type mediaRule struct {
	kind        string
	maxBytes    int64
	allowedExt  func(string) bool
	allowedType func(string) bool
}

var (
	imageRule = mediaRule{"image", workflow.MaxImageBytes, workflow.AllowedImageExtension, imageContentType}
	audioRule = mediaRule{"audio", workflow.MaxAudioBytes, workflow.AllowedAudioExtension, audioContentType}
)

func imageContentType(ct string) bool {
	return strings.HasPrefix(ct, "image/")
}

// audioContentType is permissive: the sniffer cannot identify every audio
// container, so only bytes that sniff as something clearly non-audio are
// rejected. m4a and webm sniff as video containers.
func audioContentType(ct string) bool {
	if strings.HasPrefix(ct, "audio/") {
		return true
	}
	switch ct {
	case "video/webm", "video/mp4", "application/ogg", "application/octet-stream":
		return true
	}
	return false
}

func (s *Server) handleMessageWithImage(w http.ResponseWriter, r *http.Request) {
	text, path, ok := s.parseMediaForm(w, r, imageRule)
	if !ok {
		return
	}
	s.runTurn(w, r, text, "", path)
}

func (s *Server) handleMessageWithAudio(w http.ResponseWriter, r *http.Request) {
	text, path, ok := s.parseMediaForm(w, r, audioRule)
	if !ok {
		return
	}
	s.runTurn(w, r, text, path, "")
}

// parseMediaForm extracts the optional text field and saves the file part
// named after the rule's kind. Reports its own HTTP errors; the bool result
// signals success.
func (s *Server) parseMediaForm(w http.ResponseWriter, r *http.Request, rule mediaRule) (text, path string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, rule.maxBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return "", "", false
	}

	file, header, err := r.FormFile(rule.kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("missing %s file", rule.kind))
		return "", "", false
	}
	defer file.Close()

	_, saved, err := s.saveUpload(file, header, rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return r.FormValue("text"), saved, true
}

// saveUpload validates an uploaded file against the rule and writes it into
// the upload directory under a fresh name, keeping the original extension.
// It returns the opaque file id handed to clients and the on-disk path used
// internally.
func (s *Server) saveUpload(file multipart.File, header *multipart.FileHeader, rule mediaRule) (id, path string, err error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !rule.allowedExt(ext) {
		return "", "", fmt.Errorf("file type %s is not supported", ext)
	}
	if header.Size > rule.maxBytes {
		return "", "", fmt.Errorf("file exceeds the %d MiB limit", rule.maxBytes>>20)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", "", fmt.Errorf("read upload: %w", err)
	}
	if !rule.allowedType(http.DetectContentType(head[:n])) {
		return "", "", fmt.Errorf("file content is not a supported %s format", rule.kind)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", "", fmt.Errorf("rewind upload: %w", err)
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", "", fmt.Errorf("prepare upload directory: %w", err)
	}

	id = uuid.NewString() + ext
	path = filepath.Join(s.uploadDir, id)
	dst, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(file, rule.maxBytes+1)); err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("store upload: %w", err)
	}
	return id, path, nil
}

// runTurn resolves the session from the token claims, executes the workflow,
// and writes the result.
func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, text, audioRef, imageRef string) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	if _, err := s.sessions.Get(r.Context(), claims.SessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "session expired, log in again")
			return
		}
		s.log.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	result, err := s.runner.RunTurn(r.Context(), workflow.TurnInput{
		PatientID: claims.PatientID,
		SessionID: claims.SessionID,
		Text:      text,
		AudioRef:  audioRef,
		ImageRef:  imageRef,
	})
	if err != nil {
		s.log.Warn("turn abandoned", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "request could not be completed")
		return
	}

	if err := s.sessions.Touch(r.Context(), claims.SessionID); err != nil {
		s.log.Warn("session touch failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	turns, err := s.sessions.History(r.Context(), claims.SessionID, limit)
	if err != nil {
		s.log.Error("history load failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	n, err := s.sessions.ClearHistory(r.Context(), claims.SessionID)
	if err != nil {
		s.log.Error("history clear failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not clear history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// handleUpload stores a file for later reference without running a turn.
// The kind form value selects the validation rules.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, workflow.MaxAudioBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	var id string
	switch r.FormValue("kind") {
	case "image":
		id, _, err = s.saveUpload(file, header, imageRule)
	case "audio":
		id, _, err = s.saveUpload(file, header, audioRule)
	default:
		writeError(w, http.StatusBadRequest, "kind must be image or audio")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Clients get an opaque id, never the server path.
	writeJSON(w, http.StatusOK, map[string]string{"file_id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["model"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["model"] = "ok"
		}
	}
	if s.dbPinger != nil {
		if err := s.dbPinger.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}

	writeJSON(w, code, status)
}
