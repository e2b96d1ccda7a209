package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serisow/catalogpipe/config"
	"github.com/serisow/catalogpipe/handlers"
	"github.com/serisow/catalogpipe/orchestrator"
	"github.com/serisow/catalogpipe/services/embedding_service"
	"github.com/serisow/catalogpipe/store"
	"github.com/urfave/negroni"
	"golang.org/x/crypto/acme/autocert"
)

func SetupRoutes(st *store.Store, orch *orchestrator.Orchestrator, embedder embedding_service.Embedder, logger *slog.Logger, db *pgxpool.Pool) *mux.Router {
	r := mux.NewRouter()

	// Document ingestion and job lifecycle
	documentHandler := handlers.NewDocumentHandler(st, orch, logger)
	r.HandleFunc("/documents", documentHandler.IngestDocument).Methods("POST")
	r.HandleFunc("/documents/{documentId}", documentHandler.DeleteDocument).Methods("DELETE")
	r.HandleFunc("/jobs/{documentId}/status", documentHandler.GetJobStatus).Methods("GET")
	r.HandleFunc("/jobs/{documentId}/analysis-summary", documentHandler.GetAnalysisSummary).Methods("GET")
	r.HandleFunc("/jobs/{documentId}/cancel", documentHandler.CancelJob).Methods("POST")

	// Embedding similarity search over chunk content
	chunkSearchHandler := handlers.NewChunkSearchHandler(db, embedder, logger)
	r.Handle("/documents/search", chunkSearchHandler).Methods("POST")

	// Generic read surface over pipeline entities
	for _, descriptor := range handlers.Descriptors() {
		entityHandler := handlers.NewEntityHandler(db, descriptor, logger)
		r.HandleFunc("/"+descriptor.Name, entityHandler.List).Methods("GET")
		r.HandleFunc("/"+descriptor.Name+"/search", entityHandler.Search).Methods("POST")
		r.HandleFunc("/"+descriptor.Name+"/{id}", entityHandler.Get).Methods("GET")
		r.HandleFunc("/"+descriptor.Name+"/{id}", entityHandler.Delete).Methods("DELETE")
	}

	return r
}

// ServeProduction build the server when we operate in a production environment.
func ServeProduction(n *negroni.Negroni, cfg config.Config) {
	// Configure autocert settings
	autocertManager := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Domains...),
		Cache:      autocert.DirCache(cfg.CertCacheDir),
	}

	// Listen for HTTP requests on port 80 in a new goroutine. Use
	// autocertManager.HTTPHandler(nil) as the handler. This will send ACME
	// "http-01" challenge responses as necessary, and 302 redirect all other
	// requests to HTTPS.
	go func() {
		srv := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      autocertManager.HTTPHandler(nil),
			IdleTimeout:  time.Minute,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		err := srv.ListenAndServe()
		log.Fatal(err)
	}()

	// Configure the TLS config to use the autocertManager.GetCertificate function.
	tlsConfig := &tls.Config{
		GetCertificate:           autocertManager.GetCertificate,
		PreferServerCipherSuites: true,
		CurvePreferences:         []tls.CurveID{tls.X25519, tls.CurveP256},
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPSPort),
		Handler:      n,
		TLSConfig:    tlsConfig,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	err := srv.ListenAndServeTLS("", "") // Key and cert provided automatically by autocert.
	log.Fatal(err)
}

// ServeDevelopment start the server when we operate in a dev environment.
func ServeDevelopment(s *http.Server) {
	log.Fatal(s.ListenAndServe())
}
