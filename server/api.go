package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/leafscan/server/auth"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

type authenticatedHandler func(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials)

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	// protected creates an HTTP handler that is accessible only with a valid bearer token
	protected := func(method, route string, handle authenticatedHandler) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP (protected) %v %v", method, r.URL.Path)
			}
			cred := s.verifier.AuthenticateRequest(w, r)
			if cred == nil {
				return
			}
			handle(w, r, params, cred)
		})
	}

	// ratelimited is a protected handler that is also limited per client IP
	ratelimited := func(method, route string, handle authenticatedHandler, requestLimit int, windowLength time.Duration) {
		if requestLimit <= 0 {
			protected(method, route, handle)
			return
		}
		limited := httprate.Limit(requestLimit, windowLength,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				sendJSONError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.", "")
			}))
		protected(method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params, cred)
			})).ServeHTTP(w, r)
		})
	}

	// unprotected creates an HTTP handler that is accessible without authentication
	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP (unprotected) %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	unprotected("HEAD", "/api", s.httpHead)
	unprotected("GET", "/api/ping", s.httpPing)
	unprotected("GET", "/api/health", s.httpHealth)

	ratelimited("POST", "/api/images/analyze", s.httpAnalyze, s.config.RateLimitPerMinute, time.Minute)
	protected("GET", "/api/images/analysis_history", s.httpAnalysisHistory)

	unprotected("GET", "/uploads/*filepath", s.httpUploads)

	s.httpRouter = router
	s.handler = cors(router)
	return nil
}

// cors allows browser clients from any origin. Authentication is by bearer token, never by cookie.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
				h.Add("Vary", "Access-Control-Request-Headers")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
