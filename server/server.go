package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	// VideoDataContentType is the media type of every served payload
	VideoDataContentType = "video/mp4"

	// dataFormField is the multipart part the upload handler reads
	dataFormField = "data"

	videoStateReady = "READY"
)

// Server represents the video service
type Server struct {
	config *Config

	kv        KVStore
	videos    *VideoStore
	data      *DataStore
	ledger    *LikeLedger
	cache     Cache
	principal PrincipalResolver

	grpcSrv *grpc.Server
	health  *health.Server
	httpSrv *http.Server
}

// NewServer opens the configured backends and creates the server
func NewServer(config *Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	kv, err := openKVStore(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s metadata store: %w", config.Metadata.Type, err)
	}

	blobs, err := openBlobStore(config)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to open %s content store: %w", config.Content.Type, err)
	}

	// Create Redis cache or use NoOpCache if Redis is not available
	var cache Cache = &NoOpCache{}
	if config.Cache.Address != "" {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 3*time.Second)
		defer cacheCancel()

		redisCache, err := NewRedisCache(cacheCtx, config.Cache.Address, config.Cache.TTL)
		if err != nil {
			log.WithError(err).Warn("failed to create Redis cache, continuing with NoOpCache")
		} else {
			cache = redisCache
			log.WithField("address", config.Cache.Address).Info("connected to Redis cache")
		}
	} else {
		log.Info("no Redis cache address configured, using NoOpCache")
	}

	return newServer(config, kv, blobs, cache), nil
}

func newServer(config *Config, kv KVStore, blobs BlobStore, cache Cache) *Server {
	if cache == nil {
		cache = &NoOpCache{}
	}
	videos := NewVideoStore(kv, config.Server.PublicURL)
	likeTimeout := time.Duration(config.Server.LikeTimeoutMS) * time.Millisecond

	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	reflection.Register(grpcSrv)

	return &Server{
		config:    config,
		kv:        kv,
		videos:    videos,
		data:      NewDataStore(videos, blobs),
		ledger:    NewLikeLedger(videos, cache, likeTimeout),
		cache:     cache,
		principal: NewPrincipalResolver(config.Server.UserHeader),
		grpcSrv:   grpcSrv,
		health:    hs,
	}
}

func openKVStore(ctx context.Context, config *Config) (KVStore, error) {
	md := config.Metadata
	switch md.Type {
	case "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		return NewSQLiteKV(md.SQLite.Path)
	case "redis":
		return NewRedisKV(ctx, md.Redis.Address, md.Redis.Namespace)
	case "etcd":
		return NewEtcdKV(md.Etcd.Endpoints, md.Etcd.Prefix, time.Duration(md.Etcd.DialTimeoutMS)*time.Millisecond)
	case "dynamodb":
		return NewDynamoDBKV(config.AWS.Region, md.DynamoDB.Table)
	case "documentdb":
		return NewDocumentDBKV(ctx, DocumentDBOptions{
			ConnectionString:  md.DocumentDB.ConnectionString,
			Username:          md.DocumentDB.Username,
			PasswordSecretArn: md.DocumentDB.PasswordSecretArn,
			CAFile:            md.DocumentDB.CAFile,
			Region:            config.AWS.Region,
			Database:          md.DocumentDB.DatabaseName,
			Collection:        md.DocumentDB.Collection,
		})
	}
	return nil, fmt.Errorf("unknown metadata type %q", md.Type)
}

func openBlobStore(config *Config) (BlobStore, error) {
	switch config.Content.Type {
	case "fs":
		return NewFSBlobStore(config.Content.FS.BaseDir)
	case "s3":
		return NewS3BlobStore(config.AWS.Region, config.Content.S3.BucketName, config.Content.S3.Prefix)
	}
	return nil, fmt.Errorf("unknown content type %q", config.Content.Type)
}

// Handler returns the HTTP handler with all routes and request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/video", s.handleVideos)
	mux.HandleFunc("/video/", s.handleVideoPath)
	return withRequestLogging(mux)
}

// Start serves gRPC in the background and HTTP until Stop is called
func (s *Server) Start() error {
	grpcAddr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}
	go func() {
		log.WithField("address", grpcAddr).Info("gRPC server listening")
		if err := s.grpcSrv.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC server stopped")
		}
	}()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithField("address", addr).Info("HTTP server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains HTTP and gRPC and closes the backends
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	s.grpcSrv.GracefulStop()

	if closer, ok := s.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.WithError(err).Warn("failed to close cache")
		}
	}
	if err := s.kv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// handleHealth handles the health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// handleVideos handles GET and POST on /video
func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		videos, err := s.videos.QueryVideos(ctx, nil)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, videos)

	case http.MethodPost:
		var video Video
		if err := json.NewDecoder(r.Body).Decode(&video); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		if video.Duration < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_duration", "duration must not be negative")
			return
		}
		created, err := s.videos.CreateVideo(ctx, &video)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVideoPath routes /video/{id}[/action] and /video/search/*
func (s *Server) handleVideoPath(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/video/"), "/")
	parts := strings.Split(path, "/")

	if parts[0] == "search" {
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		s.handleSearch(w, r, parts[1])
		return
	}

	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || n <= 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such video")
		return
	}
	id := VideoID(n)

	if len(parts) == 1 {
		s.handleVideo(w, r, id)
		return
	}
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "data":
		s.handleData(w, r, id)
	case "like":
		s.handleLike(w, r, id, s.ledger.Like)
	case "unlike":
		s.handleLike(w, r, id, s.ledger.Unlike)
	case "likedby":
		s.handleLikedBy(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// handleVideo returns a single record, going through the cache
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request, id VideoID) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	if video, err := s.cache.GetVideo(ctx, id); err == nil {
		writeJSON(w, http.StatusOK, video)
		return
	}

	video, version, err := s.videos.GetVideoVersion(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// rejected by the cache if a like already published something newer
	if err := s.cache.SetVideo(ctx, video, version); err != nil {
		log.WithError(err).WithField("video_id", id).Warn("failed to cache video")
	}
	writeJSON(w, http.StatusOK, video)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := &VideoQuery{}
	switch name {
	case "findByName":
		query.TitleContains = r.URL.Query().Get("title")
	case "findByDurationLessThan":
		d, err := strconv.ParseInt(r.URL.Query().Get("duration"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_duration", "duration must be an integer")
			return
		}
		query.DurationLessThan = d
		query.HasDurationLessThan = true
	default:
		http.NotFound(w, r)
		return
	}

	videos, err := s.videos.QueryVideos(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, videos)
}

// handleData streams a payload in or out
func (s *Server) handleData(w http.ResponseWriter, r *http.Request, id VideoID) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		ok, err := s.data.Exists(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			writeJSONError(w, http.StatusNotFound, "not_found", "no data for this video")
			return
		}
		rc, size, err := s.data.Get(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", VideoDataContentType)
		if size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			// headers are out, all we can do is log
			log.WithError(err).WithField("video_id", id).Warn("failed to write video data")
		}

	case http.MethodPost:
		// unknown ids are NotFound whatever the body looks like
		if _, err := s.videos.GetVideo(ctx, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		body, err := uploadBody(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		if err := s.data.Put(ctx, id, body); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": videoStateReady})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// uploadBody returns the payload of an upload: the "data" part of a multipart
// form, or the raw request body otherwise. Nothing is buffered.
func uploadBody(r *http.Request) (io.Reader, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return r.Body, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("missing %q form part", dataFormField)
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == dataFormField {
			return part, nil
		}
		part.Close()
	}
}

type likeFunc func(ctx context.Context, id VideoID, user string) (int64, error)

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request, id VideoID, apply likeFunc) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := s.principal.Principal(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "no caller identity")
		return
	}

	count, err := apply(r.Context(), id, user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "likeCount": count})
}

func (s *Server) handleLikedBy(w http.ResponseWriter, r *http.Request, id VideoID) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	users, err := s.ledger.Likers(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// writeError maps the error taxonomy onto status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reasoned interface{ Reason() string }
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrConflict):
		reason := "conflict"
		if errors.As(err, &reasoned) {
			reason = reasoned.Reason()
		}
		writeJSONError(w, http.StatusBadRequest, reason, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		log.WithError(err).WithField("path", r.URL.Path).Warn("request timed out")
		writeJSONError(w, http.StatusServiceUnavailable, "timeout", "timed out")
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]string{"error": reason, "message": message})
}
