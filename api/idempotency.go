package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	idem "github.com/warp/fiado-engine/store/redis"
)

const (
	IdempotencyHeader    = "Idempotency-Key"
	IdempotencyHitHeader = "X-Idempotency-Hit"

	idempotencyTTL = 24 * time.Hour
	inFlightTTL    = 2 * time.Minute
)

// IdempotencyCache stores responses by Idempotency-Key.
// *redis.IdempotencyStore implements it.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (*idem.CachedResponse, error)
	Save(ctx context.Context, key string, resp idem.CachedResponse, ttl time.Duration) error
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// responseRecorder copies what the handler writes so it can be cached.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key
// instead of recording the sale twice. Requests without the header pass
// through. Cache errors fail open. A key reused for a different method,
// path or body gets 422.
func Idempotency(cache IdempotencyCache, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			log := logger.With().Str("idempotency_key", key).Logger()

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Failed to read request body", err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := requestFingerprint(r, body)

			cached, err := cache.Get(ctx, key)
			if err != nil {
				log.Error().Err(err).Msg("failed to read idempotency key")
				next.ServeHTTP(w, r)
				return
			}
			if cached != nil {
				serveCached(w, cached, fingerprint, log)
				return
			}

			reserved, err := cache.Reserve(ctx, key, inFlightTTL)
			if err != nil {
				log.Error().Err(err).Msg("failed to reserve idempotency key")
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				writeError(w, http.StatusConflict, "A request with this Idempotency-Key is already in progress", nil)
				return
			}
			// Detached so a cancelled request still frees its key.
			bg := context.WithoutCancel(ctx)
			defer func() {
				if err := cache.Release(bg, key); err != nil {
					log.Warn().Err(err).Msg("failed to release idempotency key")
				}
			}()

			// The first request may have saved and released between our
			// miss and our reservation.
			cached, err = cache.Get(ctx, key)
			if err != nil {
				log.Error().Err(err).Msg("failed to read idempotency key")
			}
			if cached != nil {
				serveCached(w, cached, fingerprint, log)
				return
			}

			recorder := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(recorder, r)

			// 5xx is not cached so the client can retry.
			if recorder.statusCode < 500 {
				err := cache.Save(bg, key, idem.CachedResponse{
					StatusCode:  recorder.statusCode,
					ContentType: recorder.Header().Get("Content-Type"),
					Body:        recorder.body.Bytes(),
					Fingerprint: fingerprint,
				}, idempotencyTTL)
				if err != nil {
					log.Error().Err(err).Msg("failed to save idempotency key")
				}
			}
		})
	}
}

// requestFingerprint identifies what a key was first used for.
func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	io.WriteString(h, r.Method+" "+r.URL.Path+"\n")
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func serveCached(w http.ResponseWriter, cached *idem.CachedResponse, fingerprint string, log zerolog.Logger) {
	if cached.Fingerprint != "" && cached.Fingerprint != fingerprint {
		log.Warn().Msg("idempotency key reused with a different request")
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Idempotency-Key was already used for a different request",
			Code:  "idempotency_key_reused",
		})
		return
	}
	log.Info().Msg("idempotency cache hit")
	replay(w, cached)
}

func replay(w http.ResponseWriter, cached *idem.CachedResponse) {
	contentType := cached.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(IdempotencyHitHeader, "true")
	w.WriteHeader(cached.StatusCode)
	w.Write(cached.Body)
}
