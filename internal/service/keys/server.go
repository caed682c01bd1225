package keys

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	// Authorizer checks a bearer token. It returns the user the token belongs
	// to.
	Authorizer func(token string) (model.UserId, bool)

	HttpServer struct {
		repo Repository
		auth Authorizer
	}
)

// NewRouter serves the key-distribution endpoints. A nil auth accepts any
// request.
func NewRouter(repo Repository, auth Authorizer) *mux.Router {
	s := &HttpServer{repo: repo, auth: auth}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/keys/{user:[0-9]+}", s.GetBundles()).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{user:[0-9]+}/{device:[0-9]+}", s.PutKeys()).Methods(http.MethodPut)
	return r
}

func (s *HttpServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		user, ok := s.auth(tok)
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		r.Header.Set("X-Authenticated-User", user.String())
		next.ServeHTTP(w, r)
	})
}

func (s *HttpServer) GetBundles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := model.ParseUserId(mux.Vars(r)["user"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var devices []model.DeviceId
		if raw := r.URL.Query().Get("devices"); raw != "" {
			for _, p := range strings.Split(raw, ",") {
				d, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
				if err != nil {
					http.Error(w, "bad device id", http.StatusBadRequest)
					return
				}
				devices = append(devices, model.DeviceId(d))
			}
		}

		bundles, err := s.repo.FetchBundles(r.Context(), user, devices)
		if err != nil {
			log.Error("fetch bundles failed", zap.Stringer("user", user), zap.Error(err))
			http.Error(w, "fetch bundles failed", http.StatusInternalServerError)
			return
		}
		if len(bundles) == 0 {
			http.Error(w, "user has no devices", http.StatusNotFound)
			return
		}
		writeJSON(w, fetchResponse{Devices: bundles})
	}
}

func (s *HttpServer) PutKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		user, err := model.ParseUserId(vars["user"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.auth != nil && r.Header.Get("X-Authenticated-User") != user.String() {
			http.Error(w, "cannot publish keys of another user", http.StatusForbidden)
			return
		}
		device, err := strconv.ParseUint(vars["device"], 10, 32)
		if err != nil {
			http.Error(w, "bad device id", http.StatusBadRequest)
			return
		}

		var keys model.PublishedKeys
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&keys); err != nil {
			http.Error(w, "bad key set", http.StatusBadRequest)
			return
		}
		if len(keys.IdentityKey) == 0 || len(keys.SignedPreKey) == 0 {
			http.Error(w, "identity and signed prekey are required", http.StatusBadRequest)
			return
		}

		addr := model.NewAddress(user, model.DeviceId(device))
		if err := s.repo.Publish(r.Context(), addr, keys); err != nil {
			log.Error("publish keys failed", zap.Stringer("address", addr), zap.Error(err))
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
		log.Info("published keys", zap.Stringer("address", addr), zap.Int("one_time_keys", len(keys.OneTimeKeys)))
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
