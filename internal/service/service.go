package service

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/onexay/gitstore/internal/auth"
	"github.com/onexay/gitstore/internal/middleware"
	"github.com/onexay/gitstore/internal/storage"
)

const (
	tenantQueryParam  = "merchant_public_id"
	archiveMediaType  = "application/octet-stream"
	plainTextMimeType = "text/plain; charset=utf-8"
)

// Options tune which routes the auth gate protects.
type Options struct {
	// ProtectListings puts history and tree listings behind the auth gate.
	ProtectListings bool
}

// Service maps HTTP requests onto tenant repositories.
type Service struct {
	manager  *storage.Manager
	verifier *auth.Verifier
	logger   *zap.Logger
	opts     Options
}

// New constructs the service wiring.
func New(manager *storage.Manager, verifier *auth.Verifier, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{manager: manager, verifier: verifier, logger: logger, opts: opts}
}

// Handler builds the REST routes for the service.
func Handler(svc *Service) *mux.Router {
	router := mux.NewRouter()
	// Paths are validated by the storage layer; cleaning would turn
	// traversal attempts into redirects.
	router.SkipClean(true)

	listings := svc.opts.ProtectListings

	router.HandleFunc("/", svc.handleProvision).Methods(http.MethodPost)
	router.HandleFunc("/{tenant}", svc.handleProvision).Methods(http.MethodPost)

	router.HandleFunc("/{tenant}/commits", svc.tenant(listings, svc.handleCommits)).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}/commits/{rest:.*}", svc.tenant(listings, svc.handleCommits)).Methods(http.MethodGet)

	router.HandleFunc("/{tenant}/upload", svc.tenant(true, svc.handleUpload)).Methods(http.MethodPost)
	router.HandleFunc("/{tenant}/tree/{path:.*}", svc.tenant(true, svc.handleWrite)).Methods(http.MethodPost)
	router.HandleFunc("/{tenant}/tree/{path:.*}", svc.tenant(true, svc.handleShow)).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}/commit/{hash}/{path:.*}", svc.tenant(true, svc.handleShow)).Methods(http.MethodGet)

	router.HandleFunc("/", svc.tenant(listings, svc.handleListTree)).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}", svc.tenant(listings, svc.handleListTree)).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}/ls-tree", svc.tenant(listings, svc.handleListTree)).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}/ls-tree/{hash}", svc.tenant(listings, svc.handleListTree)).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}/ls-tree/{hash}/{path:.*}", svc.tenant(listings, svc.handleListTree)).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	return router
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, repo *storage.Repository) error

// tenant resolves the request's repository and, for protected routes, runs
// the auth gate before h.
func (s *Service) tenant(protected bool, h tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo, err := s.manager.Ensure(r.Context(), tenantID(r), nil)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if protected {
			repo, r, err = s.requireAuth(r, repo)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
		}

		if err := h(w, r, repo); err != nil {
			s.writeError(w, r, err)
		}
	}
}

// requireAuth verifies the request credential and rebinds repo to author
// commits as the token's user.
func (s *Service) requireAuth(r *http.Request, repo *storage.Repository) (*storage.Repository, *http.Request, error) {
	if s.verifier == nil {
		return nil, r, &auth.Error{Err: errors.New("no verification key configured")}
	}

	claims, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		return nil, r, err
	}
	if claims.User == nil {
		return repo, r, nil
	}

	r = r.WithContext(auth.WithIdentity(r.Context(), claims.User))
	return repo.As(*claims.User), r, nil
}

func (s *Service) handleProvision(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	created, err := s.manager.Provision(r.Context(), tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"tenant": tenant, "created": created})
}

func (s *Service) handleCommits(w http.ResponseWriter, r *http.Request, repo *storage.Repository) error {
	history, err := repo.ListCommits(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, history)
	return nil
}

func (s *Service) handleWrite(w http.ResponseWriter, r *http.Request, repo *storage.Repository) error {
	target, err := storage.ResolvePath(repo.Root(), mux.Vars(r)["path"])
	if err != nil {
		return err
	}

	result, err := repo.WriteFile(r.Context(), target, r.Body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, result)
	return nil
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request, repo *storage.Repository) error {
	reader, err := r.MultipartReader()
	if err != nil {
		return &storage.ValidationError{Message: "upload must be multipart/form-data"}
	}

	part, err := firstFilePart(reader)
	if err != nil {
		return err
	}
	defer part.Close()

	mediaType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
	if err != nil || mediaType != archiveMediaType {
		return &storage.ValidationError{Message: "archive must be uploaded as " + archiveMediaType}
	}

	result, err := repo.UploadArchive(r.Context(), part.FileName(), part)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, result)
	return nil
}

func firstFilePart(reader *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, &storage.ValidationError{Message: "no file attached"}
		}
		if err != nil {
			return nil, &storage.ValidationError{Message: "malformed multipart body: " + err.Error()}
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Service) handleShow(w http.ResponseWriter, r *http.Request, repo *storage.Repository) error {
	vars := mux.Vars(r)
	target, err := storage.ResolvePath(repo.Root(), vars["path"])
	if err != nil {
		return err
	}

	if contentType := mime.TypeByExtension(target.Ext); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	} else {
		// Suppress content sniffing for unknown extensions.
		w.Header()["Content-Type"] = nil
	}

	cw := &countingWriter{w: w}
	if err := repo.ShowFile(r.Context(), vars["hash"], target, cw); err != nil {
		if cw.n == 0 {
			w.Header().Del("Content-Type")
			return err
		}
		// The status line is already out; all that is left is to log.
		s.logger.Error("file stream interrupted", append(requestFields(r),
			zap.String("tenant", repo.Tenant()),
			zap.String("path", target.Logical),
			zap.Int64("bytes", cw.n),
			zap.Error(err))...)
		return nil
	}
	if cw.n == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func (s *Service) handleListTree(w http.ResponseWriter, r *http.Request, repo *storage.Repository) error {
	vars := mux.Vars(r)
	paths, err := repo.ListTree(r.Context(), vars["hash"], strings.Trim(vars["path"], "/"))
	if err != nil {
		return err
	}

	if prefersPlainText(r) {
		w.Header().Set("Content-Type", plainTextMimeType)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, strings.Join(paths, "\n")+"\n")
		return nil
	}
	writeJSON(w, http.StatusOK, paths)
	return nil
}

// writeError logs err and answers with the mapped status and an empty body.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusCode(err)

	fields := append(requestFields(r),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}

	w.WriteHeader(status)
}

// requestFields identifies the request and, past the auth gate, its user.
func requestFields(r *http.Request) []zap.Field {
	fields := []zap.Field{zap.String("request_id", middleware.RequestIDFrom(r.Context()))}
	if identity, ok := auth.IdentityFrom(r.Context()); ok {
		fields = append(fields, zap.String("user", identity.Email))
	}
	return fields
}

func statusCode(err error) int {
	var coded interface{ StatusCode() int }
	switch {
	case errors.As(err, &coded):
		return coded.StatusCode()
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func tenantID(r *http.Request) string {
	if tenant := mux.Vars(r)["tenant"]; tenant != "" {
		return tenant
	}
	return r.URL.Query().Get(tenantQueryParam)
}

func prefersPlainText(r *http.Request) bool {
	for _, accepted := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(accepted))
		if err != nil {
			continue
		}
		switch mediaType {
		case "text/plain":
			return true
		case "application/json", "*/*":
			return false
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
